// Package config provides centralized configuration management for the
// Conductor runtime, loading the daemon configuration from a JSON file and
// applying defaults relative to the configuration directory. Board mapping
// rules live in a separate YAML document consumed by the board package.
package config
