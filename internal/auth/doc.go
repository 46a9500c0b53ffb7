// Package auth provides credential handling for parley-gateway.
//
// Two credential types are accepted:
//
//   - API keys: random 32-byte secrets with a "pk_" prefix. Only the SHA-256
//     hash is stored; validation hashes the presented key and compares in
//     constant time. The short display prefix is never used for authorization.
//   - JWTs: HS256-signed tokens carrying the agent identity ("sub") and the
//     project scope ("prj").
//
// Both resolve to an AuthContext (identity, project, capabilities) which is
// propagated via context.Context using WithAuth/FromContext. The HTTP
// middleware and the WebSocket handshake share the Authenticate entry point
// so the two surfaces cannot drift.
package auth
