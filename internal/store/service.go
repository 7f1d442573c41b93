// Package store implements the document store: the permissioned, versioned
// write/read pipeline over a pluggable backing store.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"corestore/internal/access"
	"corestore/internal/audit"
	"corestore/internal/blob"
	"corestore/pkg/domain"
)

// historyBatchSize bounds each log scan while reconstructing an older
// document version.
const historyBatchSize = 100

// Service orchestrates get/find/set/delete against a Backend, consulting
// the access engine on every operation and feeding every write into the
// detached propagation phase.
type Service struct {
	backend   domain.Backend
	registry  domain.SchemaRegistry
	access    *access.Engine
	validator domain.Validator
	blobs     blob.Store
	locks     *locker
	logger    *zap.Logger
	metrics   *metrics

	mu          sync.Mutex
	propagators []Propagator
	listeners   []ChangeListener

	// syncPost runs the post-write phase inline instead of detached.
	syncPost bool
	// pending tracks detached post-write work for Drain.
	pending sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithValidator sets the external validation collaborator.
func WithValidator(v domain.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithBlobs attaches the blob store backing file properties; hard deletes
// also drop the document's blobs.
func WithBlobs(blobs blob.Store) Option {
	return func(s *Service) { s.blobs = blobs }
}

// WithMetricsRegistry registers the pipeline metrics with the given
// Prometheus registerer instead of a private one.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(s *Service) { s.metrics = newMetrics(reg) }
}

// WithSynchronousPropagation runs ref sync, audit logging, notification and
// post-hooks inline with the write instead of detached. Intended for tests
// and single-node deployments that need deterministic ordering.
func WithSynchronousPropagation() Option {
	return func(s *Service) { s.syncPost = true }
}

// WithDeferredLocking leaves the per-id lock service gated until MarkReady
// is called; writes requested before then queue without bound.
func WithDeferredLocking() Option {
	return func(s *Service) { s.locks = newLocker() }
}

// NewService constructs a document store over the backend and registry.
func NewService(backend domain.Backend, registry domain.SchemaRegistry, accessEngine *access.Engine, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		registry: registry,
		access:   accessEngine,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	if s.locks == nil {
		s.locks = newLocker()
		s.locks.MarkReady()
	}
	return s
}

// MarkReady releases writes queued behind the lock gate (see
// WithDeferredLocking).
func (s *Service) MarkReady() { s.locks.MarkReady() }

// OnPostWrite registers a propagator invoked before change listeners in the
// detached post-write phase.
func (s *Service) OnPostWrite(p Propagator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propagators = append(s.propagators, p)
}

// OnChange registers a change listener for event fan-out.
func (s *Service) OnChange(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Drain blocks until all detached post-write work has finished.
func (s *Service) Drain() { s.pending.Wait() }

// NextSequence allocates the next value of a named monotonic counter.
func (s *Service) NextSequence(ctx context.Context, name string) (int64, error) {
	return s.backend.NextSequence(ctx, name)
}

func (s *Service) resolveUser(ctx context.Context, opts Options) (domain.User, error) {
	if opts.User.ID != "" || len(opts.User.Roles) > 0 {
		return opts.User, nil
	}
	if opts.UserID != "" {
		return s.registry.ResolveUser(ctx, opts.UserID)
	}
	return domain.User{Guest: true}, nil
}

func (s *Service) descriptor(name string, user domain.User, skipPermission bool) (domain.StoreDescriptor, error) {
	desc, ok := s.registry.Store(name, user)
	if ok {
		return desc, nil
	}
	if skipPermission {
		// Propagation paths bypass per-user visibility.
		if d, ok := s.registry.Store(name, domain.System()); ok {
			return d, nil
		}
	}
	return domain.StoreDescriptor{}, domain.ErrStoreNotFound{Store: name}
}

// Get fetches a single document by id or by an equality query. A request
// carrying both an id and an older Version reconstructs the historical
// value by replaying reverse diffs from the log collection.
func (s *Service) Get(ctx context.Context, storeName string, idOrQuery any, opts Options) (domain.Document, error) {
	user, err := s.resolveUser(ctx, opts)
	if err != nil {
		return nil, err
	}
	desc, err := s.descriptor(storeName, user, opts.SkipPermissionCheck)
	if err != nil {
		return nil, err
	}
	if !opts.SkipPermissionCheck && !s.access.HasRead(desc.Access, user) {
		return nil, domain.ErrUnauthorized{Store: storeName, Perm: domain.PermRead}
	}

	query, err := asQueryFilter(idOrQuery)
	if err != nil {
		return nil, err
	}
	combined, err := s.restrict(desc, user, query, opts)
	if err != nil {
		return nil, err
	}

	doc, err := s.backend.Get(ctx, desc.Name, combined)
	if err != nil {
		return nil, err
	}
	if doc == nil && opts.IncludeDeleted {
		doc, err = s.backend.Get(ctx, domain.ShadowCollection(desc.Name), combined)
		if err != nil {
			return nil, err
		}
	}
	if doc == nil {
		if opts.NilOnMissing {
			return nil, nil
		}
		id, _ := idOrQuery.(string)
		return nil, domain.ErrNotFound{Store: storeName, ID: id}
	}

	if opts.Version > 0 && opts.Version < doc.Version() {
		doc, err = s.reconstruct(ctx, desc, doc, opts.Version)
		if err != nil {
			return nil, err
		}
	}

	return s.finishRead(ctx, desc, user, doc, opts)
}

// Find returns every readable document matching the filter. The optional
// Timeout is soft: exceeding it logs a warning without cancelling the
// query.
func (s *Service) Find(ctx context.Context, storeName string, filter domain.Filter, opts Options) ([]domain.Document, error) {
	user, err := s.resolveUser(ctx, opts)
	if err != nil {
		return nil, err
	}
	desc, err := s.descriptor(storeName, user, opts.SkipPermissionCheck)
	if err != nil {
		return nil, err
	}
	if !opts.SkipPermissionCheck && !s.access.HasRead(desc.Access, user) {
		return nil, domain.ErrUnauthorized{Store: storeName, Perm: domain.PermRead}
	}
	combined, err := s.restrict(desc, user, filter, opts)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	docs, err := s.backend.Find(ctx, desc.Name, combined)
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 && time.Since(started) > opts.Timeout {
		s.logger.Warn("find exceeded soft timeout",
			zap.String("store", storeName),
			zap.Duration("timeout", opts.Timeout),
			zap.Duration("elapsed", time.Since(started)))
	}

	out := make([]domain.Document, 0, len(docs))
	for _, doc := range docs {
		finished, err := s.finishRead(ctx, desc, user, doc, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, finished)
	}
	return out, nil
}

// restrict combines the caller query with the user's row-level read filter.
func (s *Service) restrict(desc domain.StoreDescriptor, user domain.User, query domain.Filter, opts Options) (domain.Filter, error) {
	if opts.SkipPermissionCheck {
		return query, nil
	}
	accessFilter, err := s.access.ReadFilter(desc.Access, user, desc.Kind == domain.KindSingle)
	if err != nil {
		return nil, err
	}
	return domain.And(query, accessFilter), nil
}

func (s *Service) finishRead(ctx context.Context, desc domain.StoreDescriptor, user domain.User, doc domain.Document, opts Options) (domain.Document, error) {
	if !opts.SkipVirtualLoad {
		s.loadVirtuals(ctx, desc, user, doc)
	}
	if !opts.SkipPermissionCheck {
		doc = projector{access: s.access, user: user}.project(desc, doc, opts)
	}
	if !opts.SkipPopulation {
		s.populate(ctx, desc, user, doc)
	}
	return doc, nil
}

// loadVirtuals fills virtual refList properties by querying the referenced
// store for documents pointing back at this one. Virtual values are never
// stored; they exist only in read results.
func (s *Service) loadVirtuals(ctx context.Context, desc domain.StoreDescriptor, user domain.User, doc domain.Document) {
	for name, prop := range desc.Props {
		if prop.Type != domain.PropVirtualRefList || prop.Ref == "" || prop.OppositeProp == "" {
			continue
		}
		nested := Options{User: user, SkipPopulation: true, SkipVirtualLoad: true}
		refs, err := s.Find(ctx, prop.Ref, domain.Filter{prop.OppositeProp: doc.ID()}, nested)
		if err != nil {
			continue
		}
		ids := make([]any, 0, len(refs))
		for _, ref := range refs {
			ids = append(ids, ref.ID())
		}
		doc[name] = ids
	}
}

// populate replaces ref ids with the referenced documents where the schema
// requests it. Failures leave the id in place.
func (s *Service) populate(ctx context.Context, desc domain.StoreDescriptor, user domain.User, doc domain.Document) {
	for name, prop := range desc.Props {
		if !prop.Populate || prop.Ref == "" {
			continue
		}
		nested := Options{User: user, SkipPopulation: true, NilOnMissing: true}
		switch prop.Type {
		case domain.PropRef:
			id, ok := doc[name].(string)
			if !ok || id == "" {
				continue
			}
			ref, err := s.Get(ctx, prop.Ref, id, nested)
			if err == nil && ref != nil {
				doc[name] = map[string]any(ref)
			}
		case domain.PropRefList, domain.PropVirtualRefList:
			list, ok := doc[name].([]any)
			if !ok {
				continue
			}
			out := make([]any, 0, len(list))
			for _, item := range list {
				id, ok := item.(string)
				if !ok {
					out = append(out, item)
					continue
				}
				ref, err := s.Get(ctx, prop.Ref, id, nested)
				if err == nil && ref != nil {
					out = append(out, map[string]any(ref))
				} else {
					out = append(out, item)
				}
			}
			doc[name] = out
		}
	}
}

// reconstruct rebuilds the document at an older version by replaying
// reverse diffs from the log collection, scanning by descending PrevVer in
// bounded batches.
func (s *Service) reconstruct(ctx context.Context, desc domain.StoreDescriptor, current domain.Document, target int64) (domain.Document, error) {
	doc := audit.Normalize(current)
	logCol := domain.LogCollection(desc.Name)
	for doc.Version() > target {
		recs, err := s.backend.ScanLog(ctx, logCol, current.ID(), doc.Version(), historyBatchSize)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, domain.ErrNotFound{Store: desc.Name, ID: current.ID()}
		}
		stop := target
		if lowest := recs[len(recs)-1].PrevVer; lowest > target {
			stop = lowest
		}
		rebuilt, ok := audit.Replay(doc, stop, recs)
		if !ok {
			return nil, domain.ErrNotFound{Store: desc.Name, ID: current.ID()}
		}
		doc = rebuilt
	}
	return doc, nil
}

// Set writes a document through the full pipeline. With an empty id the
// document is created; with an id it updates the existing document, or
// creates it when AllowUpsert is set.
func (s *Service) Set(ctx context.Context, storeName string, item domain.Document, opts Options) (doc domain.Document, err error) {
	started := time.Now()
	action := string(ChangeUpdate)
	defer func() { s.metrics.observeWrite(storeName, action, err, started) }()

	user, err := s.resolveUser(ctx, opts)
	if err != nil {
		return nil, err
	}
	desc, err := s.descriptor(storeName, user, opts.SkipPermissionCheck)
	if err != nil {
		return nil, err
	}

	id := item.ID()
	explicitID := id != ""
	if id == "" {
		if desc.Kind == domain.KindSingle {
			// Single-display stores key the one document per user by the
			// owner id.
			id = user.ID
			explicitID = false
		} else {
			id = uuid.NewString()
		}
	}

	if err = s.locks.Lock(ctx, id); err != nil {
		return nil, err
	}
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			s.locks.Unlock(id)
		}
	}
	defer unlock()

	prev, err := s.backend.Get(ctx, desc.Name, domain.ByID(id))
	if err != nil {
		return nil, err
	}
	creating := prev == nil
	if creating {
		action = string(ChangeCreate)
		if explicitID && !opts.AllowUpsert {
			return nil, domain.ErrNotFound{Store: storeName, ID: id}
		}
	}

	if !opts.SkipPermissionCheck {
		if creating && !s.access.HasCreate(desc.Access, user) {
			return nil, domain.ErrUnauthorized{Store: storeName, Perm: domain.PermCreate}
		}
		if !creating && !s.access.HasUpdate(desc.Access, user) {
			return nil, domain.ErrUnauthorized{Store: storeName, Perm: domain.PermUpdate}
		}
		if err = s.checkPropWrites(desc, user, item, creating); err != nil {
			return nil, err
		}
	}

	base := prev
	if creating {
		base = s.registry.BaseItem(desc, user)
	}
	merged, err := mergeItems(desc, base, item)
	if err != nil {
		return nil, err
	}
	merged, err = prepareItem(desc, prev, merged)
	if err != nil {
		return nil, err
	}
	merged[domain.FieldID] = id

	if !opts.SkipHooks {
		hook := domain.HookWillSave
		if creating {
			hook = domain.HookWillCreate
		}
		if err = s.runPreHook(desc, hook, merged, prev, user); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if creating {
		merged[domain.FieldCreatedAt] = now
		merged[domain.FieldCreatedBy] = user.ID
		merged[domain.FieldOwner] = user.ID
		merged[domain.FieldVersion] = int64(1)
	} else {
		for _, field := range []string{domain.FieldCreatedAt, domain.FieldCreatedBy, domain.FieldOwner} {
			if v, ok := prev[field]; ok {
				merged[field] = v
			}
		}
		merged[domain.FieldVersion] = prev.Version() + 1
	}
	merged[domain.FieldUpdatedAt] = now
	merged[domain.FieldUpdatedBy] = user.ID

	if !opts.SkipValidation && s.validator != nil {
		if issues := s.validator.Validate(desc, merged, base, user); len(issues) > 0 {
			return nil, domain.ValidationError{Store: storeName, Issues: issues}
		}
	}

	if creating {
		err = s.backend.Insert(ctx, desc.Name, merged)
	} else {
		// Version-gated only when the caller supplied a prior version.
		err = s.backend.Replace(ctx, desc.Name, id, opts.ExpectedVersion, merged)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	changeType := ChangeUpdate
	if creating {
		changeType = ChangeCreate
	}
	s.propagate(ctx, Change{Desc: desc, Type: changeType, Previous: prev, Current: merged.Clone(), User: user}, opts)

	return merged, nil
}

// checkPropWrites rejects explicit writes to properties the user cannot
// write.
func (s *Service) checkPropWrites(desc domain.StoreDescriptor, user domain.User, item domain.Document, creating bool) error {
	perm := byte(domain.PermUpdate)
	if creating {
		perm = domain.PermCreate
	}
	for name := range item {
		prop, declared := desc.Props[name]
		if !declared || len(prop.Access) == 0 {
			continue
		}
		if s.access.Compute(prop.Access, user, string(perm)) != string(perm) {
			return domain.ErrUnauthorized{Store: desc.Name, Prop: name, Perm: perm}
		}
	}
	return nil
}

// runPreHook evaluates a will* hook. A false or string result vetoes the
// operation; a map result is merged into the item.
func (s *Service) runPreHook(desc domain.StoreDescriptor, hook domain.HookName, item, prev domain.Document, user domain.User) error {
	compiled, ok := s.registry.Hook(desc.Name, hook)
	if !ok {
		return nil
	}
	result, err := compiled.Evaluate(hookEnv(item, prev, user))
	if err != nil {
		return domain.HookError{Store: desc.Name, Hook: hook, Err: err}
	}
	switch tv := result.(type) {
	case nil, bool:
		if b, isBool := tv.(bool); isBool && !b {
			return domain.HookError{Store: desc.Name, Hook: hook, Err: errVetoed}
		}
	case string:
		return domain.HookError{Store: desc.Name, Hook: hook, Err: errors.New(tv)}
	case map[string]any:
		for k, v := range tv {
			if reservedFields[k] {
				continue
			}
			if _, declared := desc.Props[k]; declared {
				item[k] = v
			}
		}
	}
	return nil
}

var errVetoed = errors.New("vetoed by hook")

func hookEnv(item, prev domain.Document, user domain.User) map[string]any {
	return map[string]any{
		"item":     map[string]any(item),
		"previous": map[string]any(prev),
		"user": map[string]any{
			"id":    user.ID,
			"roles": user.Roles,
			"guest": user.Guest,
		},
	}
}

// Delete removes a document: soft by default (moved to the shadow
// collection with _deleted set), hard for notification stores or on
// request. A willRemove veto leaves the document untouched.
func (s *Service) Delete(ctx context.Context, storeName string, id string, opts Options) (doc domain.Document, err error) {
	started := time.Now()
	defer func() { s.metrics.observeWrite(storeName, string(ChangeDelete), err, started) }()

	user, err := s.resolveUser(ctx, opts)
	if err != nil {
		return nil, err
	}
	desc, err := s.descriptor(storeName, user, opts.SkipPermissionCheck)
	if err != nil {
		return nil, err
	}
	if !opts.SkipPermissionCheck && !s.access.HasDelete(desc.Access, user) {
		return nil, domain.ErrUnauthorized{Store: storeName, Perm: domain.PermDelete}
	}

	if err = s.locks.Lock(ctx, id); err != nil {
		return nil, err
	}
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			s.locks.Unlock(id)
		}
	}
	defer unlock()

	prev, err := s.backend.Get(ctx, desc.Name, domain.ByID(id))
	if err != nil {
		return nil, err
	}
	if prev == nil {
		if opts.NilOnMissing {
			return nil, nil
		}
		return nil, domain.ErrNotFound{Store: storeName, ID: id}
	}

	if !opts.SkipHooks {
		if err = s.runPreHook(desc, domain.HookWillRemove, prev.Clone(), prev, user); err != nil {
			return nil, err
		}
	}

	hard := opts.HardDelete || desc.HardDeleteByDefault()
	if !hard {
		shadow := prev.Clone()
		shadow[domain.FieldDeleted] = true
		if err = s.backend.Insert(ctx, domain.ShadowCollection(desc.Name), shadow); err != nil {
			var exists domain.ErrAlreadyExists
			if !errors.As(err, &exists) {
				return nil, err
			}
			if err = s.backend.Replace(ctx, domain.ShadowCollection(desc.Name), id, 0, shadow); err != nil {
				return nil, err
			}
		}
	}
	if err = s.backend.Delete(ctx, desc.Name, id); err != nil {
		return nil, err
	}
	unlock()

	if hard {
		s.dropBlobs(ctx, desc, id)
	}
	s.propagate(ctx, Change{Desc: desc, Type: ChangeDelete, Previous: prev, Current: prev, User: user}, opts)
	return prev, nil
}

// dropBlobs removes file-property payloads after a hard delete. Best
// effort; the document is already gone.
func (s *Service) dropBlobs(ctx context.Context, desc domain.StoreDescriptor, id string) {
	if s.blobs == nil {
		return
	}
	hasFiles := false
	for _, prop := range desc.Props {
		if prop.Type == domain.PropFile || prop.Type == domain.PropFileList {
			hasFiles = true
			break
		}
	}
	if !hasFiles {
		return
	}
	infos, err := s.blobs.List(ctx, blob.ItemPrefix(desc.Name, id))
	if err != nil {
		s.logger.Warn("blob cleanup list failed",
			zap.String("store", desc.Name), zap.String("item", id), zap.Error(err))
		return
	}
	for _, info := range infos {
		if _, err := s.blobs.Delete(ctx, info.Key); err != nil {
			s.logger.Warn("blob cleanup failed",
				zap.String("store", desc.Name), zap.String("key", info.Key), zap.Error(err))
		}
	}
}

// propagate runs the detached post-write phase: propagators (reference
// sync), audit logging, change listeners (notification), then the did*
// hook. All of it is best-effort; the primary write is already committed.
func (s *Service) propagate(parent context.Context, change Change, opts Options) {
	run := func() {
		// The write's own deadline must not cancel detached work.
		ctx := context.WithoutCancel(parent)

		s.mu.Lock()
		propagators := append([]Propagator(nil), s.propagators...)
		listeners := append([]ChangeListener(nil), s.listeners...)
		s.mu.Unlock()

		for _, p := range propagators {
			p(ctx, change)
		}

		if change.Desc.Logging && change.Type == ChangeUpdate {
			rec := audit.NewRecord(change.Previous, change.Current, change.User.ID, time.Now())
			if err := s.backend.AppendLog(ctx, domain.LogCollection(change.Desc.Name), rec); err != nil {
				s.metrics.observeSyncFailure(change.Desc.Name, "audit")
				s.logger.Error("audit log append failed",
					zap.String("store", change.Desc.Name),
					zap.String("item", change.Current.ID()),
					zap.Error(err))
			}
		}

		if !opts.SkipChangeEmission {
			for _, l := range listeners {
				l(ctx, change)
			}
		}

		if !opts.SkipHooks {
			s.runPostHook(change)
		}
	}

	if s.syncPost {
		run()
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		run()
	}()
}

func (s *Service) runPostHook(change Change) {
	var hook domain.HookName
	switch change.Type {
	case ChangeCreate:
		hook = domain.HookDidCreate
	case ChangeUpdate:
		hook = domain.HookDidSave
	case ChangeDelete:
		hook = domain.HookDidRemove
	}
	compiled, ok := s.registry.Hook(change.Desc.Name, hook)
	if !ok {
		return
	}
	if _, err := compiled.Evaluate(hookEnv(change.Current, change.Previous, change.User)); err != nil {
		s.metrics.observeSyncFailure(change.Desc.Name, "hook")
		s.logger.Warn("post-write hook failed",
			zap.String("store", change.Desc.Name),
			zap.String("hook", string(hook)),
			zap.Error(err))
	}
}

func asQueryFilter(idOrQuery any) (domain.Filter, error) {
	switch tv := idOrQuery.(type) {
	case string:
		return domain.ByID(tv), nil
	case domain.Filter:
		return tv, nil
	case map[string]any:
		return domain.Filter(tv), nil
	case nil:
		return nil, nil
	default:
		return nil, errors.New("get: query must be an id or a filter")
	}
}
