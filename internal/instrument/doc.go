// Package instrument implements the Instrument Registry.
//
// The registry maps instrument specs to canonical keys, allocates dense
// ticker ids in first-seen order and caches the detail records downloaded
// from the gateway. Lookups run in the background; readers always get a
// record back, falling back to model.PlaceholderDetails until the lookup
// completes.
//
// Combos and continuous futures resolve synchronously: combo legs are
// awaited until each carries a contract id, and a continuous future is
// looked up as a placeholder, evicted, and re-resolved as the dated future
// for the front contract month.
package instrument
