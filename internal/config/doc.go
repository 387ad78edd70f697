// Package config loads the ibgate YAML file.
//
// ${VAR} references are expanded from the environment before parsing and
// unknown keys are rejected. Unset fields take the connection, registry and
// transport package defaults; the supervised flag switches the reconnect
// defaults to the long-running profile. Watchlist entries are converted to
// instrument specs with WatchlistSpecs.
package config
