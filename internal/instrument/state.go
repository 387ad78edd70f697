package instrument

import (
	"sort"
	"sync"

	"github.com/rickgao/ibgate/internal/model"
)

type lookupStatus uint8

const (
	statusPending lookupStatus = iota
	statusResolved
	statusFailed
)

// entry is the identity side of a ticker id.
type entry struct {
	key    string
	spec   model.InstrumentSpec
	status lookupStatus
	err    error // last lookup failure
}

// registryState holds the thread-safe instrument cache.
type registryState struct {
	mu sync.RWMutex

	// Canonical key → ticker id.
	keys map[string]model.TickerID

	// Ticker id → identity and lookup status.
	entries map[model.TickerID]*entry

	// Ticker id → downloaded detail record.
	details map[model.TickerID]model.DetailRecord

	// Broker local symbol → contract month.
	localSymbolExpiry map[string]string

	// Next id to hand out; 0 is the sentinel and never allocated.
	nextID model.TickerID

	// Output channel for event consumers.
	changes chan Change
}

func newState() *registryState {
	return &registryState{
		keys:              make(map[string]model.TickerID),
		entries:           make(map[model.TickerID]*entry),
		details:           make(map[model.TickerID]model.DetailRecord),
		localSymbolExpiry: make(map[string]string),
		nextID:            1,
		changes:           make(chan Change, ChangeBufferSize),
	}
}

// allocateLocked returns the id for key, allocating one if the key is new
// (caller must hold write lock).
func (s *registryState) allocateLocked(key string, spec model.InstrumentSpec) (model.TickerID, bool) {
	if id, ok := s.keys[key]; ok {
		return id, false
	}

	id := s.nextID
	s.nextID++
	s.keys[key] = id
	s.entries[id] = &entry{key: key, spec: spec.Clone()}
	return id, true
}

// getDetails returns the record for ref or the placeholder (read-locked).
func (s *registryState) getDetails(ref Ref) model.DetailRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.detailsLocked(ref)
}

func (s *registryState) detailsLocked(ref Ref) model.DetailRecord {
	id, ok := s.tickerIDLocked(ref)
	if !ok {
		return model.PlaceholderDetails()
	}
	if rec, ok := s.details[id]; ok {
		return rec
	}
	rec := model.PlaceholderDetails()
	rec.TickerID = id
	return rec
}

// storeDetailsLocked replaces the record for id and registers every leaf
// under its own key (caller must hold write lock). It returns the records
// written, keyed by ticker id.
func (s *registryState) storeDetailsLocked(id model.TickerID, rec model.DetailRecord) map[model.TickerID]model.DetailRecord {
	written := map[model.TickerID]model.DetailRecord{id: rec}
	s.details[id] = rec
	e := s.entries[id]
	e.status = statusResolved
	e.err = nil

	for _, leaf := range rec.Contracts {
		if leaf.LocalSymbol != "" {
			if _, seen := s.localSymbolExpiry[leaf.LocalSymbol]; !seen {
				s.localSymbolExpiry[leaf.LocalSymbol] = leaf.ContractMonth
			}
		}

		leafID, _ := s.allocateLocked(CanonicalKey(leaf.Contract), leaf.Contract)
		if leafID == id {
			continue
		}
		leafRec := leafRecord(leafID, leaf)
		s.details[leafID] = leafRec
		le := s.entries[leafID]
		le.status = statusResolved
		le.err = nil
		written[leafID] = leafRec
	}
	return written
}

// markFailedLocked records a lookup failure and keeps the placeholder
// (caller must hold write lock).
func (s *registryState) markFailedLocked(id model.TickerID, err error) {
	if e, ok := s.entries[id]; ok {
		e.status = statusFailed
		e.err = err
	}
}

// evictLocked drops every trace of id except the retired id itself
// (caller must hold write lock).
func (s *registryState) evictLocked(id model.TickerID) (string, bool) {
	e, ok := s.entries[id]
	if !ok {
		return "", false
	}
	delete(s.keys, e.key)
	delete(s.entries, id)
	delete(s.details, id)
	return e.key, true
}

// instruments returns a snapshot of all entries ordered by id (read-locked).
func (s *registryState) instruments() []Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Instrument, 0, len(s.entries))
	for id, e := range s.entries {
		_, downloaded := s.details[id]
		result = append(result, Instrument{
			TickerID:   id,
			Key:        e.key,
			Spec:       e.spec.Clone(),
			Downloaded: downloaded,
			Pending:    e.status == statusPending,
			Err:        e.err,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TickerID < result[j].TickerID })
	return result
}

// size returns the number of live entries (read-locked).
func (s *registryState) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// notifyChange sends a change to the changes channel (non-blocking).
func (s *registryState) notifyChange(change Change) {
	select {
	case s.changes <- change:
	default:
		// Channel full, drop oldest by consuming one and retrying.
		select {
		case <-s.changes:
		default:
		}
		select {
		case s.changes <- change:
		default:
		}
	}
}

// leafRecord builds the single-leaf record stored under a leaf's own id.
func leafRecord(id model.TickerID, leaf model.ContractDetails) model.DetailRecord {
	return model.DetailRecord{
		TickerID:       id,
		Downloaded:     true,
		ConID:          leaf.ConID,
		ContractMonth:  leaf.ContractMonth,
		TradingHours:   leaf.TradingHours,
		LiquidHours:    leaf.LiquidHours,
		MinTick:        leaf.MinTick,
		ValidExchanges: leaf.ValidExchanges,
		Multiplier:     leaf.Contract.Multiplier,
		LongName:       leaf.LongName,
		TimeZoneID:     leaf.TimeZoneID,
		Contracts:      []model.ContractDetails{leaf},
		Summary:        leaf,
	}
}

// entryView is a consistent read of one entry.
type entryView struct {
	status lookupStatus
	err    error
	rec    model.DetailRecord
}

// snapshot reads the status and current record of id together
// (read-locked). ok is false once the id has been evicted.
func (s *registryState) snapshot(id model.TickerID) (entryView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return entryView{}, false
	}
	return entryView{status: e.status, err: e.err, rec: s.detailsLocked(ByID(id))}, true
}
