// Package api exposes the conductor state over a small REST surface:
// task listing and creation, agent listing, aggregated project status,
// Prometheus metrics and a health probe. All endpoints speak JSON and
// can be protected by the JWT auth middleware.
package api
