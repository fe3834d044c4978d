// Package schema defines the normalized, backend-agnostic description of a
// datasource that the query engine consumes. Contexts are produced by an
// external ingestion service and are treated as read-only input; nothing in
// this repository mutates a Context after construction.
package schema

import "strings"

type FieldRole string

const (
	RoleNone       FieldRole = "none"
	RolePrimaryKey FieldRole = "primary_key"
	RoleForeignKey FieldRole = "foreign_key"
	RolePartition  FieldRole = "partition"
)

type EntityKind string

const (
	KindTable      EntityKind = "table"
	KindCollection EntityKind = "collection"
	KindNode       EntityKind = "node"
)

type Field struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Nullable bool      `json:"nullable"`
	Role     FieldRole `json:"role,omitempty"`
}

type Entity struct {
	Name   string     `json:"name"`
	Kind   EntityKind `json:"kind"`
	Fields []Field    `json:"fields"`
}

// Context is a versioned snapshot of the entities available in a datasource.
// Version increases monotonically whenever the upstream normalized schema
// changes; cache entries are tagged with it.
type Context struct {
	Version  int64    `json:"version"`
	Entities []Entity `json:"entities"`
}

// Entity looks up an entity by name, case-insensitively.
func (c Context) Entity(name string) (Entity, bool) {
	for _, entity := range c.Entities {
		if strings.EqualFold(entity.Name, name) {
			return entity, true
		}
	}
	return Entity{}, false
}

// EntityNames returns entity names in declaration order.
func (c Context) EntityNames() []string {
	names := make([]string, 0, len(c.Entities))
	for _, entity := range c.Entities {
		names = append(names, entity.Name)
	}
	return names
}

// Field looks up a field on the entity by name, case-insensitively.
func (e Entity) Field(name string) (Field, bool) {
	for _, field := range e.Fields {
		if strings.EqualFold(field.Name, name) {
			return field, true
		}
	}
	return Field{}, false
}

// FieldNames returns field names in declaration order.
func (e Entity) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		names = append(names, field.Name)
	}
	return names
}
