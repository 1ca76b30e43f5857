// Package mysql provides the MySQL-backed persistence layer: the agent
// report log and the authentication store, plus a file-backed report log
// fallback for single-node deployments.
package mysql
