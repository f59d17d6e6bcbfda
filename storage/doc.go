// Package storage defines the persistence contracts for the authorization
// server: clients, authorization grants, and access/refresh tokens.
//
// Implementations must make the Consume* operations atomic: a code or
// refresh token handed out once must never be redeemable twice, even under
// concurrent requests. See storage/memory for the in-process implementation
// and storage/redis for the Redis-backed one.
package storage
