package instrument

import (
	"strconv"

	"github.com/rickgao/ibgate/internal/model"
)

type refKind uint8

const (
	refID refKind = iota
	refKey
	refSpec
)

// Ref identifies a registry entry by ticker id, canonical key or spec.
type Ref struct {
	kind refKind
	id   model.TickerID
	key  string
	spec model.InstrumentSpec
}

// ByID refers to an entry by ticker id.
func ByID(id model.TickerID) Ref {
	return Ref{kind: refID, id: id}
}

// ByKey refers to an entry by canonical key. The key is normalized.
func ByKey(key string) Ref {
	return Ref{kind: refKey, key: key}
}

// BySpec refers to the entry whose canonical key matches spec.
func BySpec(spec model.InstrumentSpec) Ref {
	return Ref{kind: refSpec, spec: spec}
}

// String returns a readable form for logs.
func (r Ref) String() string {
	switch r.kind {
	case refKey:
		return NormalizeKey(r.key)
	case refSpec:
		return CanonicalKey(r.spec)
	}
	return "#" + strconv.Itoa(int(r.id))
}

// tickerIDLocked resolves ref without allocating (caller must hold a lock).
func (s *registryState) tickerIDLocked(ref Ref) (model.TickerID, bool) {
	switch ref.kind {
	case refKey:
		id, ok := s.keys[NormalizeKey(ref.key)]
		return id, ok
	case refSpec:
		id, ok := s.keys[CanonicalKey(ref.spec)]
		return id, ok
	}
	_, ok := s.entries[ref.id]
	return ref.id, ok
}
