// Package metrics exposes Prometheus metrics for the gateway session, the
// instrument registry and the instrument writer.
//
// Key metrics:
//   - ibgate_connection_status and reconnect attempt counters
//   - ibgate_lookups_total by result and lookup latency
//   - ibgate_registry_instruments
//   - ibgate_writer_* counters read from InstrumentWriter stats
//   - go_* and process_* runtime metrics
package metrics
