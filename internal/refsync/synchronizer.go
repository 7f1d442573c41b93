// Package refsync keeps bidirectional reference properties consistent
// after a write. It runs detached from the write pipeline: failures are
// logged, never retried, and never surfaced to the writer.
package refsync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"corestore/internal/store"
	"corestore/pkg/domain"
)

// ambiguityReporter is implemented by registries that can name the ref
// properties whose pairing could not be resolved automatically.
type ambiguityReporter interface {
	AmbiguousRefs(storeName string) []string
}

// Synchronizer propagates reference changes to the opposite side of each
// resolved ref pair.
type Synchronizer struct {
	svc      *store.Service
	registry domain.SchemaRegistry
	logger   *zap.Logger

	mu       sync.Mutex
	reported map[string]bool
}

// New constructs a synchronizer writing through the given service.
func New(svc *store.Service, registry domain.SchemaRegistry, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		svc:      svc,
		registry: registry,
		logger:   logger,
		reported: make(map[string]bool),
	}
}

// HandleChange diffs the reference properties of one committed change and
// updates the opposite documents. Registered as a store.Propagator.
func (s *Synchronizer) HandleChange(ctx context.Context, change store.Change) {
	s.reportAmbiguous(change.Desc.Name)

	for _, pair := range s.registry.RefPairs(change.Desc.Name) {
		prevIDs := refIDs(change.Previous, pair.LocalProp, pair.Local.Type)
		currIDs := refIDs(change.Current, pair.LocalProp, pair.Local.Type)
		if change.Type == store.ChangeDelete {
			currIDs = nil
		}

		localID := change.Current.ID()
		for _, id := range diffIDs(currIDs, prevIDs) {
			s.apply(ctx, pair, id, localID, true)
		}
		for _, id := range diffIDs(prevIDs, currIDs) {
			s.apply(ctx, pair, id, localID, false)
		}
	}
}

// reportAmbiguous logs unresolvable pairings once per store.
func (s *Synchronizer) reportAmbiguous(storeName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reported[storeName] {
		return
	}
	s.reported[storeName] = true
	reporter, ok := s.registry.(ambiguityReporter)
	if !ok {
		return
	}
	for _, prop := range reporter.AmbiguousRefs(storeName) {
		s.logger.Warn("ambiguous ref pairing left unsynchronized",
			zap.String("store", storeName),
			zap.String("prop", prop))
	}
}

// apply adds or removes localID on the opposite document's paired property.
// A missing opposite document is a logged no-op.
func (s *Synchronizer) apply(ctx context.Context, pair domain.RefPair, oppositeID, localID string, add bool) {
	opts := store.Options{
		User:                domain.System(),
		SkipPermissionCheck: true,
		SkipHooks:           true,
		SkipValidation:      true,
		SkipPopulation:      true,
		NilOnMissing:        true,
	}
	opposite, err := s.svc.Get(ctx, pair.OppositeStore, oppositeID, opts)
	if err != nil || opposite == nil {
		if err != nil {
			s.syncFailed(pair, oppositeID, err)
		}
		return
	}

	patch, changed := oppositePatch(pair, opposite, localID, add)
	if !changed {
		return
	}
	patch[domain.FieldID] = oppositeID
	if _, err := s.svc.Set(ctx, pair.OppositeStore, patch, opts); err != nil {
		s.syncFailed(pair, oppositeID, err)
	}
}

func (s *Synchronizer) syncFailed(pair domain.RefPair, oppositeID string, err error) {
	s.logger.Error("reference sync failed",
		zap.String("store", pair.OppositeStore),
		zap.String("prop", pair.OppositeProp),
		zap.String("item", oppositeID),
		zap.Error(domain.SyncError{Store: pair.OppositeStore, Phase: "refsync", Err: err}))
}

// oppositePatch computes the single-property update for the opposite
// document, reporting whether its value actually changes.
func oppositePatch(pair domain.RefPair, opposite domain.Document, localID string, add bool) (domain.Document, bool) {
	switch pair.Opposite.Type {
	case domain.PropRef:
		current, _ := opposite[pair.OppositeProp].(string)
		if add {
			if current == localID {
				return nil, false
			}
			return domain.Document{pair.OppositeProp: localID}, true
		}
		if current != localID {
			return nil, false
		}
		return domain.Document{pair.OppositeProp: nil}, true
	case domain.PropRefList, domain.PropVirtualRefList:
		list := idList(opposite[pair.OppositeProp])
		if add {
			for _, id := range list {
				if id == localID {
					return nil, false
				}
			}
			return domain.Document{pair.OppositeProp: toAnyList(append(list, localID))}, true
		}
		out := make([]string, 0, len(list))
		for _, id := range list {
			if id != localID {
				out = append(out, id)
			}
		}
		if len(out) == len(list) {
			return nil, false
		}
		return domain.Document{pair.OppositeProp: toAnyList(out)}, true
	}
	return nil, false
}

// refIDs extracts the referenced id set from one side of a change.
func refIDs(doc domain.Document, prop string, typ domain.PropType) []string {
	if doc == nil {
		return nil
	}
	switch typ {
	case domain.PropRef:
		if id, ok := doc[prop].(string); ok && id != "" {
			return []string{id}
		}
		return nil
	case domain.PropRefList:
		return idList(doc[prop])
	}
	return nil
}

// diffIDs returns the ids in a that are absent from b.
func diffIDs(a, b []string) []string {
	var out []string
	for _, id := range a {
		found := false
		for _, other := range b {
			if id == other {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}

func idList(v any) []string {
	switch tv := v.(type) {
	case []string:
		return append([]string(nil), tv...)
	case []any:
		out := make([]string, 0, len(tv))
		for _, item := range tv {
			if id, ok := item.(string); ok {
				out = append(out, id)
			}
		}
		return out
	}
	return nil
}

func toAnyList(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
