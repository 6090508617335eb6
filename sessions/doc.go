// Package sessions defines the registry contract shared by the HTTP
// transports. A session binds a sequence of otherwise-stateless HTTP
// exchanges to one logical conversation; the registry is the single writer of
// session records and the authority on each token's protocol mode.
//
// Implementations
//
//	memoryreg : in-memory registry for tests and single-process servers
//	redisreg  : Redis-backed registry for multi-process deployments
//
// Pending-request correlation deliberately lives outside the registry: a
// pending entry holds a live connection handle that cannot leave the process,
// so only the session records themselves are candidates for shared state.
package sessions
