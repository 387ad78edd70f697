// Package database provides PostgreSQL connection pool management and the
// schema for persisted instrument details.
//
// The store is optional: the registry keeps everything in memory and the
// database only mirrors downloaded detail records for offline inspection
// and warm starts.
package database
