// Package config loads declarative store descriptors and exposes them
// through the SchemaRegistry contract. Descriptors are normalized and
// frozen at load time; derived data (compiled hooks, ref pairs) is computed
// lazily and cached for the process lifetime. A configuration change
// requires building a fresh registry.
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"corestore/internal/access"
	"corestore/internal/script"
	"corestore/pkg/domain"
)

// UserResolver loads the full identity behind a user id. The session layer
// supplies one; without it, an id resolves to a bare identity with no roles.
type UserResolver func(ctx context.Context, id string) (domain.User, error)

// Registry is the schema/config collaborator: store descriptors plus the
// per-process derived caches.
type Registry struct {
	descriptors map[string]domain.StoreDescriptor
	access      *access.Engine
	scripts     *script.Engine

	mu        sync.Mutex
	hooks     map[string]domain.CompiledExpression
	refPairs  map[string][]domain.RefPair
	ambiguous map[string][]string

	resolver  UserResolver
	userCache *gocache.Cache
}

var _ domain.SchemaRegistry = (*Registry)(nil)

// DefaultUserCacheTTL bounds how long a resolved user identity is reused.
const DefaultUserCacheTTL = 5 * time.Minute

// NewRegistry constructs a registry over the given descriptors. Descriptor
// validation failures are returned eagerly so a bad configuration never
// reaches the write path.
func NewRegistry(accessEngine *access.Engine, scripts *script.Engine, descs ...domain.StoreDescriptor) (*Registry, error) {
	r := &Registry{
		descriptors: make(map[string]domain.StoreDescriptor, len(descs)),
		access:      accessEngine,
		scripts:     scripts,
		hooks:       make(map[string]domain.CompiledExpression),
		refPairs:    make(map[string][]domain.RefPair),
		ambiguous:   make(map[string][]string),
		userCache:   gocache.New(DefaultUserCacheTTL, 2*DefaultUserCacheTTL),
	}
	for _, desc := range descs {
		normalized, err := normalize(desc)
		if err != nil {
			return nil, err
		}
		if _, dup := r.descriptors[normalized.Name]; dup {
			return nil, fmt.Errorf("store %q declared twice", normalized.Name)
		}
		r.descriptors[normalized.Name] = normalized
	}
	return r, nil
}

// LoadFile reads store descriptors from a YAML configuration file.
func LoadFile(path string) ([]domain.StoreDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc struct {
		Stores []domain.StoreDescriptor `yaml:"stores"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return doc.Stores, nil
}

func normalize(desc domain.StoreDescriptor) (domain.StoreDescriptor, error) {
	if desc.Name == "" {
		return desc, fmt.Errorf("store descriptor without a name")
	}
	if desc.Kind == "" {
		desc.Kind = domain.KindDirectory
	}
	for _, rule := range desc.Access {
		if !domain.ValidPermissions(rule.Permissions) {
			return desc, fmt.Errorf("store %q: invalid permission string %q", desc.Name, rule.Permissions)
		}
	}
	for name, prop := range desc.Props {
		if prop.Type == "" {
			return desc, fmt.Errorf("store %q: property %q has no type", desc.Name, name)
		}
		for _, rule := range prop.Access {
			if !domain.ValidPermissions(rule.Permissions) {
				return desc, fmt.Errorf("store %q: property %q: invalid permission string %q", desc.Name, name, rule.Permissions)
			}
		}
	}
	return desc, nil
}

// SetUserResolver installs the session-layer identity resolver.
func (r *Registry) SetUserResolver(resolver UserResolver) {
	r.resolver = resolver
}

// Store returns the descriptor for a name when the user holds at least view
// permission on it.
func (r *Registry) Store(name string, user domain.User) (domain.StoreDescriptor, bool) {
	desc, ok := r.descriptors[name]
	if !ok {
		return domain.StoreDescriptor{}, false
	}
	if r.access.Compute(desc.Access, user, "v") != "v" {
		return domain.StoreDescriptor{}, false
	}
	return desc, true
}

// Descriptor returns the raw descriptor without a visibility check.
func (r *Registry) Descriptor(name string) (domain.StoreDescriptor, bool) {
	desc, ok := r.descriptors[name]
	return desc, ok
}

// StoreNames returns all configured store names.
func (r *Registry) StoreNames() []string {
	out := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		out = append(out, name)
	}
	return out
}

// ReadableProps maps each property to the permission characters the user
// holds on it. Properties without their own rules inherit the store rules.
func (r *Registry) ReadableProps(desc domain.StoreDescriptor, user domain.User) map[string]string {
	storePerms := r.access.Compute(desc.Access, user, "")
	out := make(map[string]string, len(desc.Props))
	for name, prop := range desc.Props {
		if len(prop.Access) == 0 {
			out[name] = storePerms
			continue
		}
		out[name] = r.access.Compute(prop.Access, user, "")
	}
	return out
}

// Hook returns the compiled lifecycle hook for a store and event, compiling
// and caching it on first use.
func (r *Registry) Hook(storeName string, event domain.HookName) (domain.CompiledExpression, bool) {
	desc, ok := r.descriptors[storeName]
	if !ok {
		return nil, false
	}
	source, ok := desc.Hooks[event]
	if !ok || source == "" {
		return nil, false
	}
	key := storeName + "/" + string(event)
	r.mu.Lock()
	defer r.mu.Unlock()
	if compiled, ok := r.hooks[key]; ok {
		return compiled, compiled != nil
	}
	compiled, err := r.scripts.Compile(source)
	if err != nil {
		// A hook that cannot compile is remembered as absent; the error
		// would otherwise resurface on every write.
		r.hooks[key] = nil
		return nil, false
	}
	r.hooks[key] = compiled
	return compiled, true
}

// BaseItem returns the store's default document seeded from property
// defaults.
func (r *Registry) BaseItem(desc domain.StoreDescriptor, user domain.User) domain.Document {
	base := domain.Document{}
	for name, prop := range desc.Props {
		if prop.Default != nil {
			base[name] = domain.CloneValue(prop.Default)
		}
	}
	if desc.Kind == domain.KindSingle {
		base[domain.FieldOwner] = user.ID
	}
	return base
}

// ResolveUser loads a user identity, consulting the registry's TTL cache.
// Without a resolver the id maps to a bare identity.
func (r *Registry) ResolveUser(ctx context.Context, id string) (domain.User, error) {
	if cached, ok := r.userCache.Get(id); ok {
		return cached.(domain.User), nil
	}
	if r.resolver == nil {
		return domain.User{ID: id}, nil
	}
	user, err := r.resolver(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	r.userCache.Set(id, user, gocache.DefaultExpiration)
	return user, nil
}

// RefPairs resolves the bidirectional relationship pairs for a store,
// caching the result for the process lifetime. Ambiguous pairings are left
// out; AmbiguousRefs reports them so callers can log the skip.
func (r *Registry) RefPairs(storeName string) []domain.RefPair {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pairs, ok := r.refPairs[storeName]; ok {
		return pairs
	}
	pairs, ambiguous := r.resolveRefPairs(storeName)
	r.refPairs[storeName] = pairs
	r.ambiguous[storeName] = ambiguous
	return pairs
}

// AmbiguousRefs returns the local ref properties whose pairing could not be
// resolved automatically. Populated by the first RefPairs call.
func (r *Registry) AmbiguousRefs(storeName string) []string {
	r.RefPairs(storeName)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ambiguous[storeName]
}

func (r *Registry) resolveRefPairs(storeName string) (pairs []domain.RefPair, ambiguous []string) {
	desc, ok := r.descriptors[storeName]
	if !ok {
		return nil, nil
	}
	for propName, prop := range desc.Props {
		if !isRefType(prop.Type) || prop.Ref == "" {
			continue
		}
		opposite, ok := r.descriptors[prop.Ref]
		if !ok {
			continue
		}
		oppName, oppProp, resolved := resolveOpposite(storeName, prop, opposite)
		if !resolved {
			if oppName == "" && countBackRefs(opposite, storeName) > 0 {
				// Pairing exists but is ambiguous: leave the property
				// unsynchronized and report it.
				ambiguous = append(ambiguous, propName)
			}
			continue
		}
		pairs = append(pairs, domain.RefPair{
			LocalProp:     propName,
			Local:         prop,
			OppositeStore: prop.Ref,
			OppositeProp:  oppName,
			Opposite:      oppProp,
		})
	}
	return pairs, ambiguous
}

// resolveOpposite finds the paired property on the referenced store. An
// explicit opposite name wins; otherwise pairing is automatic only when
// each side declares exactly one ref property pointing at the other.
func resolveOpposite(localStore string, local domain.PropertyDescriptor, opposite domain.StoreDescriptor) (string, domain.PropertyDescriptor, bool) {
	if local.OppositeProp != "" {
		prop, ok := opposite.Props[local.OppositeProp]
		if !ok || !isRefType(prop.Type) {
			return "", domain.PropertyDescriptor{}, false
		}
		return local.OppositeProp, prop, true
	}
	var name string
	var found domain.PropertyDescriptor
	count := 0
	for oppName, oppProp := range opposite.Props {
		if isRefType(oppProp.Type) && oppProp.Ref == localStore {
			name = oppName
			found = oppProp
			count++
		}
	}
	if count != 1 {
		return "", domain.PropertyDescriptor{}, false
	}
	return name, found, true
}

func countBackRefs(opposite domain.StoreDescriptor, localStore string) int {
	count := 0
	for _, prop := range opposite.Props {
		if isRefType(prop.Type) && prop.Ref == localStore {
			count++
		}
	}
	return count
}

func isRefType(t domain.PropType) bool {
	return t == domain.PropRef || t == domain.PropRefList
}
