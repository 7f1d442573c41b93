package store

import (
	"strings"

	"corestore/internal/access"
	"corestore/pkg/domain"
)

// projector applies property-level read projection: only fields whose
// computed permission includes 'r' are copied, object/list sub-schemas
// recurse, missing values are omitted rather than defaulted, and password
// values never leave the store.
type projector struct {
	access *access.Engine
	user   domain.User
}

// project returns the readable view of a document for the projector's user.
func (p projector) project(desc domain.StoreDescriptor, doc domain.Document, opts Options) domain.Document {
	if doc == nil {
		return nil
	}
	storePerms := p.access.Compute(desc.Access, p.user, "")
	out := domain.Document{}
	for field := range reservedFields {
		if value, ok := doc[field]; ok {
			out[field] = value
		}
	}
	p.copyReadable(desc.Props, storePerms, doc, out, opts)
	return out
}

func (p projector) copyReadable(props map[string]domain.PropertyDescriptor, parentPerms string, src domain.Document, dst domain.Document, opts Options) {
	for name, prop := range props {
		if !opts.fieldSelected(name) {
			continue
		}
		if prop.Type == domain.PropPassword {
			continue
		}
		perms := parentPerms
		if len(prop.Access) > 0 {
			perms = p.access.Compute(prop.Access, p.user, "")
		}
		if !strings.ContainsRune(perms, domain.PermRead) {
			continue
		}
		value, ok := src[name]
		if !ok || value == nil {
			continue
		}
		switch prop.Type {
		case domain.PropObject:
			if m, ok := asOperandMap(value); ok {
				nested := domain.Document{}
				p.copyReadable(prop.Props, perms, domain.Document(m), nested, Options{})
				dst[name] = map[string]any(nested)
			}
		case domain.PropObjectList:
			list, ok := value.([]any)
			if !ok {
				continue
			}
			out := make([]any, 0, len(list))
			for _, item := range list {
				m, ok := asOperandMap(item)
				if !ok {
					continue
				}
				nested := domain.Document{}
				p.copyReadable(prop.Props, perms, domain.Document(m), nested, Options{})
				out = append(out, map[string]any(nested))
			}
			dst[name] = out
		default:
			dst[name] = domain.CloneValue(value)
		}
	}
}
