// Package backend names the per-node search backend prism's federation
// layer consumes. These are external collaborators: the inverted-index
// format, scoring kernel, and vector ANN index live behind SearchBackend
// and are out of scope here.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/NVIDIA/prism/internal/cmn"
)

// ErrTimeout distinguishes a per-shard RPC timeout from a generic backend
// failure.
var ErrTimeout = cmn.NewTimeoutError("backend: timeout")

type Document struct {
	ID     string
	Fields map[string]interface{}
}

type Query struct {
	QueryString string
	Fields      []string
	Limit       int
	Offset      int
}

type Hit struct {
	ID     string
	Score  float64
	Fields map[string]interface{}
}

type SearchResult struct {
	Hits  []Hit
	Total int
}

type Stats struct {
	DocumentCount int64
	SizeBytes     int64
}

// SearchBackend is the per-shard RPC surface a node exposes. Implementations
// live outside this core (the on-disk index, scoring kernel, vector ANN
// index); prism only routes to and merges across them.
type SearchBackend interface {
	Index(ctx context.Context, collection string, docs []Document) error
	Search(ctx context.Context, collection string, q Query) (SearchResult, error)
	Get(ctx context.Context, collection, id string) (*Document, error)
	Delete(ctx context.Context, collection string, ids []string) error
	Stats(ctx context.Context, collection string) (Stats, error)
	SearchWithAggs(ctx context.Context, collection string, q Query, aggs []string) (SearchResult, error)
	Ping(ctx context.Context) error
}

// CollectionAdmin is the collection-management surface the ILM driver needs
// for rollover and pending deletions. Like SearchBackend, it names an
// external collaborator (schema/index creation lives with the backend
// implementation); this core only orchestrates when to call it.
type CollectionAdmin interface {
	CreateCollection(ctx context.Context, name string, likeSchemaOf string) error
	DropCollection(ctx context.Context, name string) error
}

// NopBackend is a minimal in-memory SearchBackend used by this core's own
// tests and as the stand-in backend that cmd/prismd wires up.
type NopBackend struct {
	Docs     map[string]map[string]Document // collection -> id -> doc
	Latency  time.Duration
	FailPing bool
	FailNext bool
}

func NewNopBackend() *NopBackend {
	return &NopBackend{Docs: make(map[string]map[string]Document)}
}

func (b *NopBackend) delay(ctx context.Context) error {
	if b.Latency == 0 {
		return nil
	}
	select {
	case <-time.After(b.Latency):
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

func (b *NopBackend) Index(ctx context.Context, collection string, docs []Document) error {
	if err := b.delay(ctx); err != nil {
		return err
	}
	if b.FailNext {
		b.FailNext = false
		return errors.New("nop backend: forced failure")
	}
	m, ok := b.Docs[collection]
	if !ok {
		m = make(map[string]Document)
		b.Docs[collection] = m
	}
	for _, d := range docs {
		m[d.ID] = d
	}
	return nil
}

func (b *NopBackend) Search(ctx context.Context, collection string, q Query) (SearchResult, error) {
	if err := b.delay(ctx); err != nil {
		return SearchResult{}, err
	}
	if b.FailNext {
		b.FailNext = false
		return SearchResult{}, errors.New("nop backend: forced failure")
	}
	m := b.Docs[collection]
	hits := make([]Hit, 0, len(m))
	for id, d := range m {
		hits = append(hits, Hit{ID: id, Score: 1, Fields: d.Fields})
	}
	return SearchResult{Hits: hits, Total: len(hits)}, nil
}

func (b *NopBackend) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	m := b.Docs[collection]
	if d, ok := m[id]; ok {
		return &d, nil
	}
	return nil, nil
}

func (b *NopBackend) Delete(ctx context.Context, collection string, ids []string) error {
	if err := b.delay(ctx); err != nil {
		return err
	}
	m := b.Docs[collection]
	for _, id := range ids {
		delete(m, id)
	}
	return nil
}

func (b *NopBackend) Stats(ctx context.Context, collection string) (Stats, error) {
	if err := b.delay(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{DocumentCount: int64(len(b.Docs[collection]))}, nil
}

func (b *NopBackend) SearchWithAggs(ctx context.Context, collection string, q Query, aggs []string) (SearchResult, error) {
	return b.Search(ctx, collection, q)
}

func (b *NopBackend) Ping(ctx context.Context) error {
	if b.FailPing {
		return errors.New("nop backend: ping failed")
	}
	return b.delay(ctx)
}

// CreateCollection satisfies CollectionAdmin for tests; it copies no schema,
// it just registers an empty document map.
func (b *NopBackend) CreateCollection(ctx context.Context, name string, likeSchemaOf string) error {
	if _, ok := b.Docs[name]; !ok {
		b.Docs[name] = make(map[string]Document)
	}
	return nil
}

func (b *NopBackend) DropCollection(ctx context.Context, name string) error {
	delete(b.Docs, name)
	return nil
}
