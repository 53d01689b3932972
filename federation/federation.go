// Package federation implements the scatter-gather coordinator: bounded
// concurrency via a shared semaphore, per-target timeout, partial-result
// tolerance.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/NVIDIA/prism/backend"
	"github.com/NVIDIA/prism/config"
	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/query"
	"github.com/NVIDIA/prism/stats"
)

var (
	// ErrWritesRejected is returned when the partition gate refuses writes
	// under the configured consistency policy.
	ErrWritesRejected = cmn.NewQuorumError("federation: writes rejected by partition policy")
	// ErrReadsRejected is the read-side counterpart.
	ErrReadsRejected = cmn.NewQuorumError("federation: reads rejected by partition policy")
	// ErrReadonly is returned when the write path targets a collection the
	// ILM driver has marked readonly (a rolled-over generation).
	ErrReadonly = cmn.NewPolicyMismatchError("federation: collection is readonly")
)

type FailureKind string

const (
	FailureTimeout FailureKind = "timeout"
	FailureBackend FailureKind = "backend"
	FailureRouting FailureKind = "routing"
)

type ShardFailure struct {
	ShardID   int
	Node      string
	Kind      FailureKind
	IsTimeout bool
	Err       error
}

type ShardStatus struct {
	Total      int
	Successful int
	Failed     int
	Failures   []ShardFailure
}

type Query struct {
	QueryString   string
	Fields        []string
	Limit         int
	Offset        int
	MergeStrategy config.MergeStrategy // zero value means "use configured default"
}

type Results struct {
	Hits          []backend.Hit
	Total         int
	LatencyMs     int64
	ShardStatus   ShardStatus
	IsPartial     bool
	MergeStrategy config.MergeStrategy
}

type IndexStatus struct {
	TotalDocs      int
	SuccessfulDocs int
	FailedDocs     int
	LatencyMs      int64
	ShardStatus    ShardStatus
}

// BackendDialer resolves a node address to a SearchBackend client; in
// production this wraps an RPC/gRPC connection pool.
type BackendDialer interface {
	Dial(nodeAddress string) (backend.SearchBackend, error)
}

// Gate is the partition detector's read/write gating surface, consulted
// before every operation when set.
type Gate interface {
	CanAcceptWrites() bool
	CanServeReads() bool
}

// AliasResolver is the alias manager's query-entry surface: Expand fans a
// read across every rolled generation, ResolveWriteTarget pins a write to
// the current generation.
type AliasResolver interface {
	Expand(name string) []string
	ResolveWriteTarget(index string) (string, error)
}

// ReadonlyChecker is the ILM driver's readonly short-circuit for the
// write path.
type ReadonlyChecker interface {
	IsReadonly(collection string) bool
}

type Executor struct {
	cfg      config.FederationConf
	router   *query.Router
	dialer   BackendDialer
	sem      *semaphore.Weighted
	gate     Gate
	aliases  AliasResolver
	readonly ReadonlyChecker
}

func NewExecutor(cfg config.FederationConf, router *query.Router, dialer BackendDialer) *Executor {
	return &Executor{
		cfg:    cfg,
		router: router,
		dialer: dialer,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}
}

// SetGate wires the partition detector in; nil leaves operations ungated.
func (e *Executor) SetGate(g Gate) { e.gate = g }

// SetAliases wires the alias manager in; nil disables alias indirection.
func (e *Executor) SetAliases(a AliasResolver) { e.aliases = a }

// SetReadonlyChecker wires the ILM driver's readonly short-circuit in.
func (e *Executor) SetReadonlyChecker(r ReadonlyChecker) { e.readonly = r }

// shardRef is one scatter target: with alias expansion a single logical
// search may fan out across several concrete collections.
type shardRef struct {
	collection string
	target     query.ShardTarget
}

type shardOutcome struct {
	ref       shardRef
	hits      []backend.Hit
	total     int
	err       error
	isTimeout bool
}

func (e *Executor) callOne(ctx context.Context, op string, ref shardRef, call func(context.Context, backend.SearchBackend) ([]backend.Hit, int, error)) shardOutcome {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return shardOutcome{ref: ref, err: err, isTimeout: true}
	}
	defer e.sem.Release(1)

	shardCtx, cancel := context.WithTimeout(ctx, e.cfg.PerShardTimeout)
	defer cancel()

	shardStart := time.Now()
	defer func() {
		stats.FederationShardLatencySeconds.WithLabelValues(op).Observe(time.Since(shardStart).Seconds())
	}()

	b, err := e.dialer.Dial(ref.target.NodeAddress)
	if err != nil {
		return shardOutcome{ref: ref, err: err}
	}
	hits, total, err := call(shardCtx, b)
	if err != nil {
		return shardOutcome{ref: ref, err: err, isTimeout: shardCtx.Err() != nil}
	}
	return shardOutcome{ref: ref, hits: hits, total: total}
}

// expandRead fans a logical name across every collection its read alias
// covers; a non-alias name maps to itself.
func (e *Executor) expandRead(collection string) []string {
	if e.aliases == nil {
		return []string{collection}
	}
	return e.aliases.Expand(collection)
}

// resolveWrite pins a logical name to its current write-alias target; a
// non-alias name maps to itself.
func (e *Executor) resolveWrite(collection string) string {
	if e.aliases == nil {
		return collection
	}
	if target, err := e.aliases.ResolveWriteTarget(collection); err == nil {
		return target
	}
	return collection
}

// Search scatters the query to every routed shard (across every collection
// the name expands to), gathers within the partial-results timeout, and
// merges the surviving batches into a global top-K.
func (e *Executor) Search(ctx context.Context, collection string, q Query) (Results, error) {
	start := time.Now()
	if e.gate != nil && !e.gate.CanServeReads() {
		return Results{}, ErrReadsRejected
	}

	var (
		refs     []shardRef
		routeErr error
	)
	for _, coll := range e.expandRead(collection) {
		decision, err := e.router.RouteAllShards(coll)
		if err != nil {
			routeErr = err
			continue
		}
		for _, t := range decision.Targets {
			refs = append(refs, shardRef{collection: coll, target: t})
		}
	}
	if len(refs) == 0 {
		if routeErr != nil {
			return Results{}, routeErr
		}
		return Results{LatencyMs: time.Since(start).Milliseconds()}, nil
	}

	gatherCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.AllowPartialResults {
		gatherCtx, cancel = context.WithTimeout(ctx, e.cfg.PartialResultsTimeout)
		defer cancel()
	}

	outcomes := e.scatter(gatherCtx, "search", refs, func(ctx context.Context, b backend.SearchBackend, ref shardRef) ([]backend.Hit, int, error) {
		res, err := b.Search(ctx, ref.collection, backend.Query{
			QueryString: q.QueryString, Fields: q.Fields, Limit: q.Limit, Offset: q.Offset,
		})
		if err != nil {
			return nil, 0, err
		}
		return res.Hits, res.Total, nil
	})

	status := ShardStatus{Total: len(refs)}
	var batches [][]backend.Hit
	for _, o := range outcomes {
		if o.err != nil {
			status.Failed++
			status.Failures = append(status.Failures, ShardFailure{
				ShardID: o.ref.target.ShardID, Node: o.ref.target.NodeAddress,
				Kind: classify(o), IsTimeout: o.isTimeout, Err: o.err,
			})
			continue
		}
		status.Successful++
		batches = append(batches, o.hits)
	}

	if status.Successful < e.cfg.MinSuccessfulShards {
		stats.FederationRequestsTotal.WithLabelValues("search", "error").Inc()
		return Results{}, fmt.Errorf("internal: insufficient shards: %d successful, %d required", status.Successful, e.cfg.MinSuccessfulShards)
	}

	strategy := q.MergeStrategy
	if strategy == "" {
		strategy = e.cfg.DefaultMergeStrategy
	}
	hits, total := query.Merge(batches, q.Limit, strategy)

	outcome := "ok"
	if status.Failed > 0 {
		outcome = "partial"
		stats.FederationPartialResultsTotal.Inc()
	}
	stats.FederationRequestsTotal.WithLabelValues("search", outcome).Inc()

	return Results{
		Hits:          hits,
		Total:         total,
		LatencyMs:     time.Since(start).Milliseconds(),
		ShardStatus:   status,
		IsPartial:     status.Failed > 0,
		MergeStrategy: strategy,
	}, nil
}

func classify(o shardOutcome) FailureKind {
	if o.isTimeout {
		return FailureTimeout
	}
	return FailureBackend
}

func (e *Executor) scatter(ctx context.Context, op string, refs []shardRef, call func(context.Context, backend.SearchBackend, shardRef) ([]backend.Hit, int, error)) []shardOutcome {
	out := make([]shardOutcome, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref shardRef) {
			defer wg.Done()
			out[i] = e.callOne(ctx, op, ref, func(ctx context.Context, b backend.SearchBackend) ([]backend.Hit, int, error) {
				return call(ctx, b, ref)
			})
		}(i, ref)
	}
	wg.Wait()
	return out
}

type docGroup struct {
	ref  shardRef
	docs []backend.Document
}

// groupByShard routes every document by id and buckets them per target
// shard, dispatching to the shard's primary.
func (e *Executor) groupByShard(collection string, docs []backend.Document) (map[int]*docGroup, []int, error) {
	groups := make(map[int]*docGroup)
	var order []int
	for _, d := range docs {
		shard, err := e.router.ShardForDocID(collection, d.ID)
		if err != nil {
			return nil, nil, err
		}
		g, ok := groups[shard.ShardIndex]
		if !ok {
			g = &docGroup{ref: shardRef{
				collection: collection,
				target:     query.ShardTarget{ShardID: shard.ShardIndex, NodeAddress: e.router.NodeAddress(shard.PrimaryNode)},
			}}
			groups[shard.ShardIndex] = g
			order = append(order, shard.ShardIndex)
		}
		g.docs = append(g.docs, d)
	}
	return groups, order, nil
}

func (e *Executor) checkWriteGate(collection string) (string, error) {
	if e.gate != nil && !e.gate.CanAcceptWrites() {
		return "", ErrWritesRejected
	}
	target := e.resolveWrite(collection)
	if e.readonly != nil && e.readonly.IsReadonly(target) {
		return "", fmt.Errorf("%w: %s", ErrReadonly, target)
	}
	return target, nil
}

// Index groups documents by target shard and dispatches per-group backend
// writes in parallel; failures on one shard do not abort others.
func (e *Executor) Index(ctx context.Context, collection string, docs []backend.Document) (IndexStatus, error) {
	start := time.Now()
	target, err := e.checkWriteGate(collection)
	if err != nil {
		return IndexStatus{}, err
	}
	groups, order, err := e.groupByShard(target, docs)
	if err != nil {
		return IndexStatus{}, err
	}

	status := IndexStatus{TotalDocs: len(docs)}
	status.ShardStatus.Total = len(order)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, idx := range order {
		g := groups[idx]
		wg.Add(1)
		go func(g *docGroup) {
			defer wg.Done()
			o := e.callOne(ctx, "index", g.ref, func(ctx context.Context, b backend.SearchBackend) ([]backend.Hit, int, error) {
				return nil, 0, b.Index(ctx, g.ref.collection, g.docs)
			})
			mu.Lock()
			defer mu.Unlock()
			if o.err != nil {
				status.FailedDocs += len(g.docs)
				status.ShardStatus.Failed++
				status.ShardStatus.Failures = append(status.ShardStatus.Failures, ShardFailure{
					ShardID: g.ref.target.ShardID, Node: g.ref.target.NodeAddress, Kind: classify(o), IsTimeout: o.isTimeout, Err: o.err,
				})
				return
			}
			status.SuccessfulDocs += len(g.docs)
			status.ShardStatus.Successful++
		}(g)
	}
	wg.Wait()
	status.LatencyMs = time.Since(start).Milliseconds()
	outcome := "ok"
	if status.ShardStatus.Failed > 0 {
		outcome = "partial"
	}
	stats.FederationRequestsTotal.WithLabelValues("index", outcome).Inc()
	return status, nil
}

// Delete is analogous to Index.
func (e *Executor) Delete(ctx context.Context, collection string, ids []string) (IndexStatus, error) {
	start := time.Now()
	target, err := e.checkWriteGate(collection)
	if err != nil {
		return IndexStatus{}, err
	}
	docs := make([]backend.Document, len(ids))
	for i, id := range ids {
		docs[i] = backend.Document{ID: id}
	}
	groups, order, err := e.groupByShard(target, docs)
	if err != nil {
		return IndexStatus{}, err
	}

	status := IndexStatus{TotalDocs: len(ids)}
	status.ShardStatus.Total = len(order)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, idx := range order {
		g := groups[idx]
		ids := make([]string, len(g.docs))
		for i, d := range g.docs {
			ids[i] = d.ID
		}
		wg.Add(1)
		go func(g *docGroup, ids []string) {
			defer wg.Done()
			o := e.callOne(ctx, "delete", g.ref, func(ctx context.Context, b backend.SearchBackend) ([]backend.Hit, int, error) {
				return nil, 0, b.Delete(ctx, g.ref.collection, ids)
			})
			mu.Lock()
			defer mu.Unlock()
			if o.err != nil {
				status.FailedDocs += len(ids)
				status.ShardStatus.Failed++
				status.ShardStatus.Failures = append(status.ShardStatus.Failures, ShardFailure{
					ShardID: g.ref.target.ShardID, Node: g.ref.target.NodeAddress, Kind: classify(o), IsTimeout: o.isTimeout, Err: o.err,
				})
				return
			}
			status.SuccessfulDocs += len(ids)
			status.ShardStatus.Successful++
		}(g, ids)
	}
	wg.Wait()
	status.LatencyMs = time.Since(start).Milliseconds()
	outcome := "ok"
	if status.ShardStatus.Failed > 0 {
		outcome = "partial"
	}
	stats.FederationRequestsTotal.WithLabelValues("delete", outcome).Inc()
	return status, nil
}

// ErrAllReplicasFailed wraps the last error seen when every replica for a
// Get errored — opt-in via GetStrict.
type ErrAllReplicasFailed struct{ Last error }

func (e *ErrAllReplicasFailed) Error() string {
	return fmt.Sprintf("federation: all replicas failed, last error: %v", e.Last)
}
func (e *ErrAllReplicasFailed) Unwrap() error { return e.Last }

// getFromReplicas tries every replica in order, returning the first
// non-nil document plus a count of replicas that errored.
func (e *Executor) getFromReplicas(ctx context.Context, collection, id string) (doc *backend.Document, errCount int, total int, lastErr error) {
	nodes, err := e.router.AllReplicasOf(collection, id)
	if err != nil {
		return nil, 0, 0, err
	}
	total = len(nodes)
	for _, node := range nodes {
		b, err := e.dialer.Dial(e.router.NodeAddress(node))
		if err != nil {
			lastErr = err
			errCount++
			continue
		}
		shardCtx, cancel := context.WithTimeout(ctx, e.cfg.PerShardTimeout)
		doc, err := b.Get(shardCtx, collection, id)
		cancel()
		if err != nil {
			lastErr = err
			errCount++
			continue
		}
		if doc != nil {
			return doc, errCount, total, nil
		}
	}
	return nil, errCount, total, lastErr
}

// Get routes to all replicas of the shard owning id, trying them in order
// and returning the first hit. An error on one replica does not abort the
// loop — it falls through to the next replica, and if every replica errors
// Get returns (nil, nil), losing the error; GetStrict reports it instead.
func (e *Executor) Get(ctx context.Context, collection, id string) (*backend.Document, error) {
	if e.gate != nil && !e.gate.CanServeReads() {
		return nil, ErrReadsRejected
	}
	for _, coll := range e.expandRead(collection) {
		doc, _, _, err := e.getFromReplicas(ctx, coll, id)
		if errors.Is(err, query.ErrCollectionNotFound) {
			return nil, err
		}
		if doc != nil {
			return doc, nil
		}
	}
	return nil, nil
}

// GetStrict is Get's stricter sibling: if every replica errored (rather
// than having returned a definitive nil), it returns ErrAllReplicasFailed
// instead of silently losing the error.
func (e *Executor) GetStrict(ctx context.Context, collection, id string) (*backend.Document, error) {
	if e.gate != nil && !e.gate.CanServeReads() {
		return nil, ErrReadsRejected
	}
	doc, errCount, total, lastErr := e.getFromReplicas(ctx, collection, id)
	if doc != nil {
		return doc, nil
	}
	if errors.Is(lastErr, query.ErrCollectionNotFound) {
		return nil, lastErr
	}
	if total > 0 && errCount == total {
		return nil, &ErrAllReplicasFailed{Last: lastErr}
	}
	return nil, nil
}

// Stats aggregates primary-node backend stats across shards. Its shape
// matches backend.Stats so the ILM driver can use an Executor directly as
// its StatsSource for rollover-condition evaluation.
func (e *Executor) Stats(ctx context.Context, collection string) (backend.Stats, error) {
	decision, err := e.router.RouteAllShards(collection)
	if err != nil {
		return backend.Stats{}, err
	}
	var agg backend.Stats
	for _, t := range decision.Targets {
		b, err := e.dialer.Dial(t.NodeAddress)
		if err != nil {
			continue
		}
		st, err := b.Stats(ctx, collection)
		if err != nil {
			continue
		}
		agg.DocumentCount += st.DocumentCount
		agg.SizeBytes += st.SizeBytes
	}
	return agg, nil
}
