// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the REST client for the authoritative history and
// roster service. It owns the request/response channel only; the
// push channel lives in package channel.
//
// The client holds no session state. Every call takes a Credential,
// the opaque bearer token issued by the authentication collaborator,
// so the caller decides whose authority each request carries.
package api
