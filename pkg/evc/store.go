package evc

import (
	"context"
	"fmt"

	log "github.com/Sirupsen/logrus"
	cmap "github.com/streamrail/concurrent-map"

	"github.com/everoute/mef-eline/pkg/docstore"
)

// Store is the in-memory EVC collection the daemon keeps resident, backed
// by the document store for persistence (spec.md §3's "circuits" registry;
// shape supplemented from original_source's self.circuits dict, see
// SPEC_FULL.md §4). Concurrent-map, same as pkg/registry, since many
// goroutines (router workers, the consistency loop, the REST layer) read
// it at once.
type Store struct {
	docs cmap.ConcurrentMap
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{docs: cmap.New()}
}

// Put adds or replaces e in the store.
func (s *Store) Put(e *EVC) { s.docs.Set(e.ID, e) }

// Get resolves id to its EVC, if resident.
func (s *Store) Get(id string) (*EVC, bool) {
	v, ok := s.docs.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*EVC), true
}

// Delete drops id from the store (used once ArchiveEVC has run and the
// operator explicitly removes the circuit).
func (s *Store) Delete(id string) { s.docs.Remove(id) }

// List returns every resident EVC, in no particular order.
func (s *Store) List() []*EVC {
	out := make([]*EVC, 0, s.docs.Count())
	for item := range s.docs.IterBuffered() {
		out = append(out, item.Val.(*EVC))
	}
	return out
}

// LoadFromDocStore populates the store from every non-archived document
// the document store holds, the way a daemon restart rehydrates its
// resident circuit set before the event router starts processing topology
// events (spec.md §3: "Loaded EVCs with archived = true are skipped").
func (s *Store) LoadFromDocStore(ctx context.Context, store docstore.Store, decode func(docstore.Document) (*EVC, error)) (int, error) {
	docs, err := store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("evc: load all: %w", err)
	}
	n := 0
	for _, doc := range docs {
		e, err := decode(doc)
		if err != nil {
			log.WithField("evc", doc.ID).WithError(err).Warn("evc: failed to decode persisted document, skipping")
			continue
		}
		if e.Archived {
			continue
		}
		s.Put(e)
		n++
	}
	return n, nil
}
