// Package backend is the client for the managed Postgres backend that owns the
// platform's data and business logic.
//
// Every privileged or stateful operation is a stored procedure (an RPC) whose
// name and p_-prefixed parameter names form a fixed wire contract; reads that
// do not need an RPC are plain table selects. Client abstracts both behind two
// drivers: a pgx connection pool that talks to Postgres directly and a REST
// driver that speaks the PostgREST dialect exposed by the hosted service.
//
// Errors reported by the database surface as *Error and carry the database
// message unmodified so handlers can pass it through. Network failures surface
// as *TransportError, and a tripped circuit breaker as ErrUnavailable.
package backend
