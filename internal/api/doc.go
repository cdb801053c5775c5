// Package api hosts the HTTP handlers of the liveroom gateway.
//
// Every handler follows the same pipeline: resolve the caller from the
// request context (populated by the auth middleware in internal/server),
// optionally escalate it through an auth.Authorizer, validate query and body
// parameters, then delegate to exactly one backend RPC or table read and
// reshape the result as JSON. Business rules live in the database; handlers
// only translate between HTTP and the backend contract.
//
// Errors always render as {"error": "..."}. writeServiceError is the single
// place where auth, validation and backend failures are mapped to statuses,
// so handlers should return errors to it rather than picking codes
// themselves.
package api
