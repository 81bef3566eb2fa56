// Package pool manages the replenishing pool of ledger-registered trade-slot
// resources of the local prosumer.
package pool

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// DefaultOptimalSize is the number of available resources the pool keeps.
const DefaultOptimalSize = 6

// Registrar registers new resources with the ledger.
type Registrar interface {
	RegisterResource(ctx context.Context, r domain.Resource) error
}

// TokenSource reports whether the ledger session is authenticated.
type TokenSource interface {
	Token() (string, bool)
	Wait(ctx context.Context) error
}

// Manager owns the pending, available and in-use pools. Every resource known
// to the manager is in exactly one of them.
//
// Requests against an empty pool queue FIFO; each resource that becomes
// available resolves exactly one waiter.
type Manager struct {
	scope     domain.ExperimentScope
	optimal   int
	registrar Registrar
	tokens    TokenSource
	logger    *slog.Logger

	mu        sync.Mutex
	base      context.Context
	pending   map[string]struct{}
	available map[string]struct{}
	order     []string // available ids, oldest first
	inUse     map[string]struct{}
	index     map[string]domain.Resource
	freeIndex int
	waiters   []chan domain.Resource

	sizeObservers    []func(domain.PoolSizes)
	anomalyObservers []func(ctx context.Context, resourceID, detail string)

	inflight sync.WaitGroup
}

// NewManager creates a Manager for the local prosumer of scope.
func NewManager(scope domain.ExperimentScope, optimal int, registrar Registrar, tokens TokenSource, logger *slog.Logger) *Manager {
	if optimal < 1 {
		optimal = DefaultOptimalSize
	}
	return &Manager{
		scope:     scope,
		optimal:   optimal,
		registrar: registrar,
		tokens:    tokens,
		logger:    logger.With(slog.String("component", "resource_pool")),
		base:      context.Background(),
		pending:   make(map[string]struct{}),
		available: make(map[string]struct{}),
		inUse:     make(map[string]struct{}),
		index:     make(map[string]domain.Resource),
	}
}

// OnPoolSizes registers fn to receive the pool sizes after every change and on
// every heartbeat. Register observers before Start.
func (m *Manager) OnPoolSizes(fn func(domain.PoolSizes)) {
	m.mu.Lock()
	m.sizeObservers = append(m.sizeObservers, fn)
	m.mu.Unlock()
}

// OnAnomaly registers fn to receive pool anomalies.
func (m *Manager) OnAnomaly(fn func(ctx context.Context, resourceID, detail string)) {
	m.mu.Lock()
	m.anomalyObservers = append(m.anomalyObservers, fn)
	m.mu.Unlock()
}

// Start binds background work (registrations, queued creation) to ctx and
// requests the initial set of resources.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	m.CreateResources(ctx, m.optimal)
}

// RunHeartbeat publishes the pool sizes every interval until ctx is done.
func (m *Manager) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.emitSizes(m.Sizes())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.emitSizes(m.Sizes())
		}
	}
}

// ResourceAvailable reports whether a free resource can be handed out without
// waiting.
func (m *Manager) ResourceAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.available) > 0
}

// Sizes returns the current pool sizes.
func (m *Manager) Sizes() domain.PoolSizes {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizesLocked()
}

// Snapshot returns copies of the three pools.
func (m *Manager) Snapshot() (pending, available, inUse []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return keys(m.pending), append([]string(nil), m.order...), keys(m.inUse)
}

// RequestFreeResource hands out an unused resource and moves it to in-use.
// With an available resource it returns without blocking; otherwise it
// requests a fresh batch and waits for the next resource that the ledger
// confirms. Only ctx cancellation releases a waiting caller.
func (m *Manager) RequestFreeResource(ctx context.Context) (domain.Resource, error) {
	m.mu.Lock()
	if len(m.order) > 0 {
		id := m.popAvailableLocked()
		m.inUse[id] = struct{}{}
		missing := m.optimal - len(m.available)
		res := m.resourceLocked(id)
		sizes := m.sizesLocked()
		m.mu.Unlock()

		m.logger.DebugContext(ctx, "free resource handed out", slog.String("resource_id", id))
		m.emitSizes(sizes)
		if missing > 0 {
			m.CreateResources(m.background(), missing)
		}
		return res, nil
	}

	ch := make(chan domain.Resource, 1)
	m.waiters = append(m.waiters, ch)
	waiting := len(m.waiters)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "no free resource, waiting for replenishment", slog.Int("waiters", waiting))
	m.CreateResources(m.background(), m.optimal)

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		m.abandonWaiter(ch)
		return domain.Resource{}, ctx.Err()
	}
}

// CreateResources requests n new resources with ids {type}-{freeIndex+i}. The
// ids enter the pending pool immediately and the free index advances by n
// regardless of the registration outcome. Without a ledger token the batch is
// queued and issued with the then-current free index once a token arrives.
func (m *Manager) CreateResources(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	if _, ok := m.tokens.Token(); ok {
		m.create(ctx, n)
		return
	}

	m.logger.InfoContext(ctx, "no ledger token, queueing resource creation", slog.Int("count", n))
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		if err := m.tokens.Wait(ctx); err != nil {
			return
		}
		m.create(ctx, n)
	}()
}

// ObserveLedgerResources reconciles the pools with a registry snapshot.
// Pending resources of the local prosumer that the ledger now lists become
// available (or go straight to the oldest waiter).
func (m *Manager) ObserveLedgerResources(ctx context.Context, resources []domain.Resource) {
	ownType := m.scope.ResourceType()
	var anomalies []string
	changed := false

	m.mu.Lock()
	for _, r := range resources {
		if r.ResourceType != ownType {
			continue
		}
		id := r.ResourceID
		_, isPending := m.pending[id]
		_, isAvailable := m.available[id]
		_, isInUse := m.inUse[id]
		if !isPending && !isAvailable && !isInUse {
			anomalies = append(anomalies, id)
			continue
		}
		if !isPending {
			continue
		}

		delete(m.pending, id)
		m.index[id] = r
		changed = true
		if len(m.waiters) > 0 {
			ch := m.waiters[0]
			m.waiters = m.waiters[1:]
			m.inUse[id] = struct{}{}
			ch <- r
			continue
		}
		m.available[id] = struct{}{}
		m.order = append(m.order, id)
	}
	sizes := m.sizesLocked()
	m.mu.Unlock()

	for _, id := range anomalies {
		m.reportAnomaly(ctx, id, "resource observed on the ledger is in no pool")
	}
	if changed {
		m.emitSizes(sizes)
	}
}

// ObserveResourcesInUse records resources bound to offers on the ledger. Only
// ids of the local prosumer are considered. A resource thought available is an
// anomaly: it is forced to in-use and the pool is topped up by one.
func (m *Manager) ObserveResourcesInUse(ctx context.Context, ids map[string]struct{}) {
	var anomalies []string
	replenish := 0
	changed := false

	m.mu.Lock()
	for id := range ids {
		if !m.scope.Owns(id) {
			continue
		}
		if _, ok := m.inUse[id]; ok {
			continue
		}
		if _, ok := m.available[id]; ok {
			anomalies = append(anomalies, id)
			m.removeAvailableLocked(id)
			if len(m.available) < m.optimal {
				replenish++
			}
		}
		delete(m.pending, id)
		m.inUse[id] = struct{}{}
		changed = true
	}
	sizes := m.sizesLocked()
	m.mu.Unlock()

	for _, id := range anomalies {
		m.reportAnomaly(ctx, id, "resource in available pool is bound to an offer")
	}
	if changed {
		m.emitSizes(sizes)
	}
	for i := 0; i < replenish; i++ {
		m.CreateResources(m.background(), 1)
	}
}

func (m *Manager) create(ctx context.Context, n int) {
	resourceType := m.scope.ResourceType()
	batch := make([]domain.Resource, 0, n)

	m.mu.Lock()
	for i := 0; i < n; i++ {
		id := resourceType + "-" + strconv.Itoa(m.freeIndex+i)
		m.pending[id] = struct{}{}
		batch = append(batch, domain.Resource{ResourceID: id, ResourceType: resourceType})
	}
	m.freeIndex += n
	sizes := m.sizesLocked()
	m.mu.Unlock()

	m.emitSizes(sizes)
	for _, r := range batch {
		m.inflight.Add(1)
		go func(r domain.Resource) {
			defer m.inflight.Done()
			if err := m.registrar.RegisterResource(ctx, r); err != nil {
				m.logger.ErrorContext(ctx, "resource registration failed",
					slog.String("resource_id", r.ResourceID),
					slog.String("error", err.Error()),
				)
				return
			}
			m.logger.DebugContext(ctx, "resource registration sent", slog.String("resource_id", r.ResourceID))
		}(r)
	}
}

// abandonWaiter removes ch from the waiter queue. A resource that was handed
// to ch concurrently passes to the next waiter, or goes back to the front of
// the available pool when nobody waits.
func (m *Manager) abandonWaiter(ch chan domain.Resource) {
	m.mu.Lock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	var r domain.Resource
	select {
	case r = <-ch:
	default:
		m.mu.Unlock()
		return
	}
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		next <- r
		m.mu.Unlock()
		return
	}
	delete(m.inUse, r.ResourceID)
	m.available[r.ResourceID] = struct{}{}
	m.order = append([]string{r.ResourceID}, m.order...)
	sizes := m.sizesLocked()
	m.mu.Unlock()

	m.emitSizes(sizes)
}

func (m *Manager) popAvailableLocked() string {
	id := m.order[0]
	m.order = m.order[1:]
	delete(m.available, id)
	return id
}

func (m *Manager) removeAvailableLocked(id string) {
	delete(m.available, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) resourceLocked(id string) domain.Resource {
	if r, ok := m.index[id]; ok {
		return r
	}
	return domain.Resource{ResourceID: id, ResourceType: m.scope.ResourceType()}
}

func (m *Manager) sizesLocked() domain.PoolSizes {
	return domain.PoolSizes{
		Pending:   len(m.pending),
		Available: len(m.available),
		InUse:     len(m.inUse),
	}
}

func (m *Manager) background() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

func (m *Manager) emitSizes(sizes domain.PoolSizes) {
	m.mu.Lock()
	observers := append([]func(domain.PoolSizes){}, m.sizeObservers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(sizes)
	}
}

func (m *Manager) reportAnomaly(ctx context.Context, resourceID, detail string) {
	m.logger.ErrorContext(ctx, "resource pool anomaly",
		slog.String("resource_id", resourceID),
		slog.String("detail", detail),
	)
	m.mu.Lock()
	observers := append([]func(context.Context, string, string){}, m.anomalyObservers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(ctx, resourceID, detail)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
