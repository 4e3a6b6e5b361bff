// Package auth verifies the two kinds of callers opsbridge serves.
//
// # Agents
//
// Agents authenticate with an API key sent in their first socket frame.
// Only the first KeyPrefixLen characters and a bcrypt hash of each key are
// stored. APIKeyVerifier narrows candidates by prefix and compares hashes:
//
//	id, err := verifier.Verify(ctx, plainKey)
//
// A key that matches but is inactive or expired still reports its server so
// the failure can be recorded against it.
//
// # Dashboards and REST
//
// Human users authenticate with HS256 JWTs signed with auth.jwt_secret. The
// user ID travels in the "sub" claim. RequireToken is the gin middleware for
// REST routes; dashboard sockets call JWTVerifier.Verify directly on the
// token in their auth frame.
package auth
