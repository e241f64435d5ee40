// Package backend talks to remote trading-backend servers.
//
// A Client is created per configured server by New, which picks the
// transport from the entry:
//
//   - http (default): REST over http://host:port with basic auth or a
//     bearer token. Health is probed with GET /accounts/, a protected
//     endpoint, so bad credentials surface as auth_error instead of online.
//   - grpc: grpc.health.v1.Health/Check on host:port. Gateway operations
//     are not available over this transport and return ErrUnsupported.
//
// Bearer tokens that are JWTs are checked for expiry locally before any
// request is made.
//
// Error kinds are testable with errors.Is: ErrAuth (credentials rejected),
// ErrOffline (unreachable or timed out), ErrUnsupported. Any other non-2xx
// response is a *StatusError.
package backend
