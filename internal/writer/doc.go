// Package writer batches downloaded instrument details into PostgreSQL.
//
// InstrumentWriter implements the registry's persistence hook: records are
// queued without blocking the lookup path and upserted by canonical key in
// periodic batches. A row is only replaced by a newer version.
package writer
