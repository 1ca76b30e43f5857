// Package conductor provides a Go client for the Conductor REST API. It is
// intended for operators and integration scripts; coding agents should talk
// to the MCP tool surface instead.
package conductor
