// Package server implements the OAuth2 authorization server engine: the
// browser-facing authorization flow (capture, consent, redirect), the token
// endpoint with its grant-type dispatch, client authentication backends,
// and the token issuance policies (single access token, refresh token
// retention, refresh token rotation, expired-record sweeping).
//
// The engine is transport-thin: handlers are plain net/http funcs wired to
// paths by the root package, and all state lives behind the storage
// contracts, the session manager, and the resource-owner authenticator.
package server
