// Package server hosts the relay's HTTP surface from a single multiplexer:
// the versioned API, the WebSocket ingest endpoint, the live pull streams,
// Prometheus metrics, and the embedded capture page.
//
// Every route sits behind one middleware chain of rate limiting, metrics,
// CORS, security headers, request IDs, and request logging so handlers share
// common protections and instrumentation.
package server
