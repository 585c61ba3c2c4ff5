// Package models holds the value types that flow between adapters, the
// reconciler, the dispatch cascade and the gateway.
package models

import (
	"fmt"
	"strconv"
)

// EntityID is an opaque, never reused entity identifier. Zero is invalid.
type EntityID uint64

func (id EntityID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Valid reports whether the id can name an entity.
func (id EntityID) Valid() bool { return id != 0 }

// ParseEntityID parses the decimal form produced by String.
func ParseEntityID(s string) (EntityID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid entity id %q", s)
	}
	return EntityID(v), nil
}

// Version tags commits. It strictly increases per entity.
type Version uint64

// SourceID names one protocol source (one adapter instance).
type SourceID string

// ComponentType is the registered name of a component kind, e.g. "position".
type ComponentType string

// EntityRef addresses an entity either by internal id or by its world-scoped
// external key. Keys are shared across sources.
type EntityRef struct {
	ID  EntityID
	Key string
}

func (r EntityRef) String() string {
	if r.ID.Valid() {
		return "#" + r.ID.String()
	}
	return r.Key
}

// Empty reports whether the ref names nothing.
func (r EntityRef) Empty() bool { return !r.ID.Valid() && r.Key == "" }

// Component is one attached component value as stored.
type Component struct {
	Type    ComponentType
	Payload Payload
	Version Version
}

// EntityContext is the read-only view of an entity handed to enrichment providers.
type EntityContext struct {
	ID         EntityID
	Key        string
	Version    Version
	Components map[ComponentType]Payload
}
