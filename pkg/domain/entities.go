// Package domain defines the descriptors, document values, access rules, and
// persistence contracts shared by the corestore engines.
package domain

import "time"

// StoreKind identifies the behavioural category of a store.
type StoreKind string

// Supported store kinds. The kind selects defaults for ownership, deletion
// and event handling but never changes the write pipeline itself.
const (
	// KindDirectory is the default list-of-documents store.
	KindDirectory StoreKind = "directory"
	// KindSingle holds exactly one document per owning user.
	KindSingle StoreKind = "single"
	// KindProcess is a directory store whose documents move through
	// lifecycle states tracked in the state property.
	KindProcess StoreKind = "process"
	// KindMap is a free-form key/value store.
	KindMap StoreKind = "map"
	// KindNotification is a transient store whose documents are hard
	// dropped on delete.
	KindNotification StoreKind = "notification"
	// KindWorkspace scopes documents to a workspace rather than a user.
	KindWorkspace StoreKind = "workspace"
)

// PropType identifies the declared type of a document property.
type PropType string

// Supported property types.
const (
	PropInt            PropType = "int"
	PropFloat          PropType = "float"
	PropBool           PropType = "bool"
	PropString         PropType = "string"
	PropPassword       PropType = "password"
	PropDate           PropType = "date"
	PropRef            PropType = "ref"
	PropRefList        PropType = "refList"
	PropObject         PropType = "object"
	PropObjectList     PropType = "objectList"
	PropVirtual        PropType = "virtual"
	PropVirtualRefList PropType = "virtualRefList"
	PropFile           PropType = "file"
	PropFileList       PropType = "fileList"
	PropAction         PropType = "action"
	PropComments       PropType = "comments"
	PropUUID           PropType = "uuid"
)

// HookName identifies a lifecycle point at which a store hook runs.
type HookName string

// Lifecycle hook tokens. The will* hooks run before persistence and may veto
// the operation; the did* hooks run detached after it.
const (
	HookWillCreate HookName = "willCreate"
	HookWillSave   HookName = "willSave"
	HookWillRemove HookName = "willRemove"
	HookDidCreate  HookName = "didCreate"
	HookDidSave    HookName = "didSave"
	HookDidRemove  HookName = "didRemove"
)

// PropertyDescriptor declares one field of a store's schema. Descriptors are
// immutable after configuration load.
type PropertyDescriptor struct {
	Type PropType `json:"type" yaml:"type"`

	// Ref names the target store for ref/refList/virtualRefList types.
	Ref string `json:"ref,omitempty" yaml:"ref,omitempty"`
	// OppositeProp names the paired property on the referenced store. When
	// empty, pairing is resolved by cardinality (see RefPair).
	OppositeProp string `json:"oppositeProp,omitempty" yaml:"oppositeProp,omitempty"`
	// Populate requests that reads replace the stored id with the
	// referenced document.
	Populate bool `json:"populate,omitempty" yaml:"populate,omitempty"`

	// NoAutoTrim disables whitespace trimming for string values.
	NoAutoTrim bool `json:"noAutoTrim,omitempty" yaml:"noAutoTrim,omitempty"`

	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Enum     []string `json:"enum,omitempty" yaml:"enum,omitempty"`
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Default  any      `json:"default,omitempty" yaml:"default,omitempty"`

	// Props declares the nested schema for object and objectList types.
	Props map[string]PropertyDescriptor `json:"props,omitempty" yaml:"props,omitempty"`

	// Access optionally narrows the store-level rules for this property.
	Access []AccessRule `json:"access,omitempty" yaml:"access,omitempty"`
}

// StoreDescriptor declares one collection: its schema, access rules,
// lifecycle hooks, and event behaviour. Loaded at configuration time and
// treated as immutable afterwards.
type StoreDescriptor struct {
	Name  string                        `json:"name" yaml:"name"`
	Kind  StoreKind                     `json:"kind,omitempty" yaml:"kind,omitempty"`
	Props map[string]PropertyDescriptor `json:"props" yaml:"props"`

	Access []AccessRule `json:"access,omitempty" yaml:"access,omitempty"`

	// Hooks maps lifecycle points to expression source evaluated through
	// the script engine.
	Hooks map[HookName]string `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	// Logging enables the append-only audit log for updates.
	Logging bool `json:"logging,omitempty" yaml:"logging,omitempty"`

	// StateProp names the lifecycle state property consulted by move
	// classification. Defaults to "state".
	StateProp string `json:"stateProp,omitempty" yaml:"stateProp,omitempty"`

	// Proxies lists alias store names under which change events are
	// re-emitted.
	Proxies []string `json:"proxies,omitempty" yaml:"proxies,omitempty"`

	// Filters holds named subscription filters referenced by session
	// subscriptions.
	Filters map[string]Filter `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// StateProperty returns the configured lifecycle state property name.
func (d StoreDescriptor) StateProperty() string {
	if d.StateProp != "" {
		return d.StateProp
	}
	return "state"
}

// HardDeleteByDefault reports whether the store kind drops documents instead
// of moving them to the shadow collection.
func (d StoreDescriptor) HardDeleteByDefault() bool {
	return d.Kind == KindNotification
}

// User is the acting identity carried through every operation.
type User struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
	Guest bool     `json:"guest,omitempty"`
}

// System returns the internal identity used for engine-initiated operations
// such as reference synchronization.
func System() User {
	return User{ID: "system", Roles: []string{RoleSystem}}
}

// RefPair describes one resolved bidirectional relationship between two
// stores. Computed once per store and cached for the process lifetime.
type RefPair struct {
	LocalProp     string
	Local         PropertyDescriptor
	OppositeStore string
	OppositeProp  string
	Opposite      PropertyDescriptor
}

// Subscriber is a live listener for a store topic. Registered by the session
// layer; read-only to the core.
type Subscriber struct {
	ConnID string
	User   User
	Filter Filter
}

// LogRecord is one immutable audit entry holding forward and reverse diffs
// between two successive document versions.
type LogRecord struct {
	ID        string         `json:"_id"`
	ItemID    string         `json:"itemId"`
	Ver       int64          `json:"ver"`
	PrevVer   int64          `json:"prevVer"`
	Diff      map[string]any `json:"diff"`
	Reverse   map[string]any `json:"reverseDiff"`
	CreatedAt time.Time      `json:"createdAt"`
	CreatedBy string         `json:"createdBy"`
}
