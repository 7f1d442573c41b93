// Package notify fans committed changes out to live subscribers, reusing
// the in-memory filter matcher to recompute visibility without touching the
// backing store.
package notify

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"corestore/internal/access"
	"corestore/internal/audit"
	"corestore/internal/match"
	"corestore/internal/script"
	"corestore/internal/store"
	"corestore/pkg/domain"
)

// DefaultAccountStore is the store name carrying user accounts; its events
// receive the credential-stripping and personal-channel treatment.
const DefaultAccountStore = "user"

// sensitiveAccountFields are always stripped from account event payloads,
// beyond what per-property projection already removes.
var sensitiveAccountFields = map[string]bool{
	"password":        true,
	"activationToken": true,
	"resetToken":      true,
}

// Transport publishes event envelopes to a set of connections on a topic.
type Transport interface {
	Publish(topic string, envelope domain.EventEnvelope, connIDs []string) error
}

// Notifier classifies each committed change per subscriber and publishes
// the resulting events through the transport.
type Notifier struct {
	registry     domain.SchemaRegistry
	access       *access.Engine
	scripts      *script.Engine
	subs         *SubscriberRegistry
	transport    Transport
	logger       *zap.Logger
	accountStore string

	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithAccountStore overrides the store name treated as the account store.
func WithAccountStore(name string) NotifierOption {
	return func(n *Notifier) { n.accountStore = name }
}

// WithNotifierLogger sets the notifier logger.
func WithNotifierLogger(logger *zap.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = logger }
}

// NewNotifier wires a notifier over the subscriber registry and transport.
func NewNotifier(registry domain.SchemaRegistry, accessEngine *access.Engine, scripts *script.Engine, subs *SubscriberRegistry, transport Transport, reg prometheus.Registerer, opts ...NotifierOption) *Notifier {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	n := &Notifier{
		registry:     registry,
		access:       accessEngine,
		scripts:      scripts,
		subs:         subs,
		transport:    transport,
		logger:       zap.NewNop(),
		accountStore: DefaultAccountStore,
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corestore",
			Subsystem: "notify",
			Name:      "events_published_total",
			Help:      "Change events published, by store and event type.",
		}, []string{"store", "event"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corestore",
			Subsystem: "notify",
			Name:      "publish_failures_total",
			Help:      "Transport publish failures, by store.",
		}, []string{"store"}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers a live subscription for a connection, gated on the
// subscriber's visibility of the store. A non-empty filterName selects one of
// the store's named filters and combines it with any inline sub.Filter.
func (n *Notifier) Subscribe(storeName string, sub domain.Subscriber, filterName string) error {
	desc, ok := n.registry.Store(storeName, sub.User)
	if !ok {
		return domain.ErrStoreNotFound{Store: storeName}
	}
	if filterName != "" {
		named, ok := desc.Filters[filterName]
		if !ok {
			return fmt.Errorf("store %q has no filter named %q", storeName, filterName)
		}
		sub.Filter = domain.And(sub.Filter, named)
	}
	n.subs.Subscribe(storeName, sub)
	return nil
}

// Unsubscribe removes a connection's subscription on one store topic.
func (n *Notifier) Unsubscribe(storeName, connID string) {
	n.subs.Unsubscribe(storeName, connID)
}

// HandleChange is registered as a store.ChangeListener.
func (n *Notifier) HandleChange(ctx context.Context, change store.Change) {
	n.emit(ctx, change, change.Desc.Name, false)
}

// emit publishes one change under the given store name, then re-emits it
// under each proxy alias. proxied guards against alias recursion.
func (n *Notifier) emit(ctx context.Context, change store.Change, storeName string, proxied bool) {
	for _, sub := range n.subs.Subscribers(storeName) {
		n.notifySubscriber(change, storeName, sub)
	}

	if storeName == n.accountStore {
		n.publishPersonal(change)
	}

	if proxied {
		return
	}
	for _, alias := range change.Desc.Proxies {
		n.emit(ctx, change, alias, true)
	}
}

func (n *Notifier) notifySubscriber(change store.Change, storeName string, sub domain.Subscriber) {
	// Same gate every read operation applies: no read permission, no events.
	if !n.access.HasRead(change.Desc.Access, sub.User) {
		return
	}
	visible, err := n.visibility(change.Desc, sub)
	if err != nil {
		n.logger.Warn("subscriber filter evaluation failed",
			zap.String("store", storeName),
			zap.String("conn", sub.ConnID),
			zap.Error(err))
		return
	}

	switch change.Type {
	case store.ChangeCreate:
		if n.matches(visible, sub.User, change.Current, nil) {
			n.publish(storeName, sub, domain.EventEnvelope{
				Event: domain.EventCreate,
				Data:  []any{n.project(change.Desc, sub.User, change.Current)},
			})
		}
	case store.ChangeDelete:
		if n.matches(visible, sub.User, change.Previous, nil) {
			n.publish(storeName, sub, domain.EventEnvelope{
				Event: domain.EventDelete,
				Data:  []any{change.Previous.ID()},
			})
		}
	case store.ChangeUpdate:
		n.classifyUpdate(change, storeName, sub, visible)
	}
}

// classifyUpdate sorts an update into exactly one of update+patch, delete,
// or move for the subscriber.
func (n *Notifier) classifyUpdate(change store.Change, storeName string, sub domain.Subscriber, visible domain.Filter) {
	matchesNew := n.matches(visible, sub.User, change.Current, nil)
	matchesOld := n.matches(visible, sub.User, change.Previous, nil)

	switch {
	case matchesNew:
		projected := n.project(change.Desc, sub.User, change.Current)
		n.publish(storeName, sub, domain.EventEnvelope{
			Event: domain.EventUpdate,
			Data:  []any{projected},
		})
		forward, _ := audit.Diff(change.Previous, change.Current)
		n.publish(storeName, sub, domain.EventEnvelope{
			Event:   domain.EventPatch,
			Data:    []any{n.projectPatch(change.Desc, sub.User, forward)},
			Partial: true,
			ID:      change.Current.ID(),
		})
	case matchesOld:
		ignore := map[string]bool{change.Desc.StateProperty(): true}
		if n.matches(visible, sub.User, change.Current, ignore) {
			n.publish(storeName, sub, domain.EventEnvelope{
				Event: domain.EventMove,
				Data:  []any{n.project(change.Desc, sub.User, change.Current)},
				ID:    change.Current.ID(),
			})
		} else {
			n.publish(storeName, sub, domain.EventEnvelope{
				Event: domain.EventDelete,
				Data:  []any{change.Previous.ID()},
			})
		}
	}
}

// visibility combines the subscriber's access filter with its subscription
// filter.
func (n *Notifier) visibility(desc domain.StoreDescriptor, sub domain.Subscriber) (domain.Filter, error) {
	accessFilter, err := n.access.ReadFilter(desc.Access, sub.User, desc.Kind == domain.KindSingle)
	if err != nil {
		return nil, err
	}
	return domain.And(sub.Filter, accessFilter), nil
}

func (n *Notifier) matches(filter domain.Filter, user domain.User, doc domain.Document, ignore map[string]bool) bool {
	if doc == nil {
		return false
	}
	ok, err := match.Document(filter, doc, match.Env{
		Eval:        n.scripts.Eval,
		User:        user,
		IgnoreProps: ignore,
	})
	if err != nil {
		n.logger.Warn("visibility match failed", zap.Error(err))
		return false
	}
	return ok
}

// project reduces the payload to the fields the subscriber can read, and
// strips credentials on the account store.
func (n *Notifier) project(desc domain.StoreDescriptor, user domain.User, doc domain.Document) map[string]any {
	readable := n.registry.ReadableProps(desc, user)
	out := map[string]any{
		domain.FieldID:      doc.ID(),
		domain.FieldVersion: doc.Version(),
	}
	for name, value := range doc {
		if value == nil {
			continue
		}
		if desc.Name == n.accountStore && sensitiveAccountFields[name] {
			continue
		}
		prop, declared := desc.Props[name]
		if !declared || prop.Type == domain.PropPassword {
			continue
		}
		perms, ok := readable[name]
		if !ok || !containsPerm(perms, domain.PermRead) {
			continue
		}
		out[name] = domain.CloneValue(value)
	}
	return out
}

// projectPatch applies the same readability rules to a field diff. Removed
// fields survive as explicit nils so clients can clear them.
func (n *Notifier) projectPatch(desc domain.StoreDescriptor, user domain.User, diff map[string]any) map[string]any {
	readable := n.registry.ReadableProps(desc, user)
	out := map[string]any{}
	for name, value := range diff {
		if desc.Name == n.accountStore && sensitiveAccountFields[name] {
			continue
		}
		prop, declared := desc.Props[name]
		if !declared || prop.Type == domain.PropPassword {
			continue
		}
		perms, ok := readable[name]
		if !ok || !containsPerm(perms, domain.PermRead) {
			continue
		}
		out[name] = domain.CloneValue(value)
	}
	return out
}

// publishPersonal broadcasts account changes on the owner's dedicated
// channel, bypassing subscriptions.
func (n *Notifier) publishPersonal(change store.Change) {
	doc := change.Current
	if doc == nil {
		doc = change.Previous
	}
	owner := doc.ID()
	event := domain.EventUpdate
	data := []any{n.project(change.Desc, domain.User{ID: owner, Roles: []string{domain.RoleAll}}, doc)}
	switch change.Type {
	case store.ChangeCreate:
		event = domain.EventCreate
	case store.ChangeDelete:
		event = domain.EventDelete
		data = []any{doc.ID()}
	}
	topic := domain.AccountTopic(owner)
	if err := n.transport.Publish(topic, domain.EventEnvelope{Event: event, Data: data}, nil); err != nil {
		n.failures.WithLabelValues(change.Desc.Name).Inc()
		n.logger.Error("personal channel publish failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
	n.published.WithLabelValues(change.Desc.Name, string(event)).Inc()
}

func (n *Notifier) publish(storeName string, sub domain.Subscriber, envelope domain.EventEnvelope) {
	topic := domain.StoreTopic(storeName)
	if err := n.transport.Publish(topic, envelope, []string{sub.ConnID}); err != nil {
		n.failures.WithLabelValues(storeName).Inc()
		n.logger.Error("event publish failed",
			zap.String("topic", topic),
			zap.String("conn", sub.ConnID),
			zap.String("event", string(envelope.Event)),
			zap.Error(err))
		return
	}
	n.published.WithLabelValues(storeName, string(envelope.Event)).Inc()
}

func containsPerm(perms string, perm byte) bool {
	for i := 0; i < len(perms); i++ {
		if perms[i] == perm {
			return true
		}
	}
	return false
}
