// Package api hosts the HTTP handlers that front the relay: session registry
// queries, live pull streaming, SDP descriptors, throughput snapshots,
// artifact retrieval, and ingest-key administration.
//
// Handlers receive their dependencies (the relay manager, the journal
// repository, the stats window) at construction time and never reach for
// globals. Request logging, metrics, rate limiting, and security headers are
// enforced upstream by internal/server middleware; handlers here validate
// inputs, shape responses, and apply scope checks on privileged routes.
package api
