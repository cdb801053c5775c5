// Package server hosts the liveroom gateway behind a single HTTP server.
//
// Every request passes the same middleware chain: panic recovery, request
// IDs, request and audit logging, metrics, security headers, CORS, rate
// limiting and optional session authentication. Routes are registered by the
// api package; /metrics is served from the gateway's own registry.
package server
