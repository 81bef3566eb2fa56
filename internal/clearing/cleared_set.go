package clearing

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// ClearedSet records the option ids already cleared, per offer type. Entries
// are never removed for the lifetime of the process. It is safe for
// concurrent use.
type ClearedSet struct {
	mu   sync.Mutex
	seen map[domain.OfferType]map[string]time.Time
}

// NewClearedSet creates an empty ClearedSet.
func NewClearedSet() *ClearedSet {
	return &ClearedSet{
		seen: map[domain.OfferType]map[string]time.Time{
			domain.OfferBid: {},
			domain.OfferAsk: {},
		},
	}
}

// Has reports whether id was cleared as an offer of type t.
func (s *ClearedSet) Has(t domain.OfferType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[t][id]
	return ok
}

// Mark records id and returns false if it was already present.
func (s *ClearedSet) Mark(t domain.OfferType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.bucket(t)
	if _, ok := ids[id]; ok {
		return false
	}
	ids[id] = time.Now()
	return true
}

// Restore adds ids cleared by an earlier run.
func (s *ClearedSet) Restore(t domain.OfferType, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.bucket(t)
	for _, id := range ids {
		if _, ok := bucket[id]; !ok {
			bucket[id] = time.Time{}
		}
	}
}

// Len returns the number of cleared ids of type t.
func (s *ClearedSet) Len(t domain.OfferType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen[t])
}

// IDs returns the cleared ids of type t in lexical order.
func (s *ClearedSet) IDs(t domain.OfferType) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen[t]))
	for id := range s.seen[t] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *ClearedSet) bucket(t domain.OfferType) map[string]time.Time {
	ids, ok := s.seen[t]
	if !ok {
		ids = make(map[string]time.Time)
		s.seen[t] = ids
	}
	return ids
}
