// Package storage defines the byte-addressed object store contract
// (SegmentStorage) and its filesystem implementation (LocalStorage). Paths
// join well-known segments with "/".
package storage

import (
	"strings"
)

// StoragePath is a hierarchical key: collection/backend/shard/segment.
// It parses and stringifies losslessly and knows whether it names a
// directory-like prefix or a concrete object.
type StoragePath struct {
	Collection string
	Backend    string
	Shard      string
	Segment    string
}

// ParsePath splits a "/"-joined key back into its StoragePath components.
// Fewer than 4 segments is valid: it names a prefix rather than an object.
func ParsePath(key string) StoragePath {
	key = strings.Trim(key, "/")
	if key == "" {
		return StoragePath{}
	}
	parts := strings.Split(key, "/")
	p := StoragePath{}
	if len(parts) > 0 {
		p.Collection = parts[0]
	}
	if len(parts) > 1 {
		p.Backend = parts[1]
	}
	if len(parts) > 2 {
		p.Shard = parts[2]
	}
	if len(parts) > 3 {
		p.Segment = strings.Join(parts[3:], "/")
	}
	return p
}

// String renders the path back into its "/"-joined form.
func (p StoragePath) String() string {
	parts := make([]string, 0, 4)
	for _, s := range []string{p.Collection, p.Backend, p.Shard, p.Segment} {
		if s == "" {
			break
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "/")
}

// IsObject is true when the path names a concrete segment file rather than
// a directory-like prefix.
func (p StoragePath) IsObject() bool { return p.Segment != "" }

// IsPrefix is the complement of IsObject.
func (p StoragePath) IsPrefix() bool { return !p.IsObject() }

// Join appends a child component, returning a new path one level deeper.
func (p StoragePath) Join(child string) StoragePath {
	switch {
	case p.Collection == "":
		p.Collection = child
	case p.Backend == "":
		p.Backend = child
	case p.Shard == "":
		p.Shard = child
	case p.Segment == "":
		p.Segment = child
	default:
		p.Segment = p.Segment + "/" + child
	}
	return p
}
