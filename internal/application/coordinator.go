package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/crypto"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

// Listener receives every new snapshot of a subscribed key. Listeners run outside the
// coordinator lock and may be called from different goroutines; Snapshot.Seq orders them.
type Listener func(domain.Snapshot)

// Coordinator is the single owner of the ResourceKey -> entry map. It allows at most one
// authoritative fetch per key, fans every state change out to subscribers, and discards
// results of fetches that were superseded after they started.
type Coordinator struct {
	logger         domain.Logger
	configProvider config.Provider
	fetcher        domain.Fetcher
	resolver       domain.RequestResolver
	auth           domain.AuthProvider

	mu        sync.Mutex
	entries   map[domain.ResourceKey]*cacheEntry
	seq       uint64
	nextSubID uint64
	inFlight  int
	closed    bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	fetchWg    sync.WaitGroup

	evictionStopChan chan struct{}
	evictionWg       sync.WaitGroup
	evictionOnce     sync.Once

	now func() time.Time
}

type cacheEntry struct {
	key         domain.ResourceKey
	status      domain.Status
	data        json.RawMessage
	err         *domain.FetchError
	version     uint64
	seq         uint64
	updatedAt   time.Time
	stale       bool
	inflight    *fetchCall
	subscribers map[uint64]Listener
	idleSince   time.Time

	// Set when the last fetch failed as Unauthenticated; holds the fingerprint of the
	// credential that fetch used ("" for none).
	blocked           bool
	blockedCredential string
}

type fetchCall struct {
	entry      *cacheEntry
	key        domain.ResourceKey
	version    uint64
	trigger    domain.RevalidationTrigger
	credential string
	ctx        context.Context
	cancel     context.CancelFunc
	waiters    []chan domain.Snapshot
}

type notification struct {
	snap      domain.Snapshot
	listeners []Listener
}

// NewCoordinator creates a Coordinator. auth may be nil when no route requires credentials.
func NewCoordinator(
	logger domain.Logger,
	configProvider config.Provider,
	fetcher domain.Fetcher,
	resolver domain.RequestResolver,
	auth domain.AuthProvider,
) *Coordinator {
	if logger == nil {
		panic("logger is nil in NewCoordinator")
	}
	if configProvider == nil {
		panic("config provider is nil in NewCoordinator")
	}
	if fetcher == nil || resolver == nil {
		panic("fetcher and resolver are required in NewCoordinator")
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		logger:           logger,
		configProvider:   configProvider,
		fetcher:          fetcher,
		resolver:         resolver,
		auth:             auth,
		entries:          make(map[domain.ResourceKey]*cacheEntry),
		baseCtx:          baseCtx,
		cancelBase:       cancel,
		evictionStopChan: make(chan struct{}),
		now:              time.Now,
	}
}

// Subscribe registers listener on key and returns the current snapshot together with an
// unsubscribe function. A fetch is started unless the entry is fresh or already fetching.
// Subscribing to NoKey registers nothing.
func (c *Coordinator) Subscribe(key domain.ResourceKey, listener Listener) (domain.Snapshot, func()) {
	if key.IsZero() {
		return domain.IdleSnapshot(key), func() {}
	}
	fp := c.credentialFingerprint()

	c.mu.Lock()
	if c.closed {
		snap := c.snapshotLocked(key)
		c.mu.Unlock()
		return snap, func() {}
	}
	e := c.entryLocked(key)
	c.nextSubID++
	id := c.nextSubID
	if listener != nil {
		e.subscribers[id] = listener
	} else {
		e.subscribers[id] = func(domain.Snapshot) {}
	}
	e.idleSince = time.Time{}

	var call *fetchCall
	var note notification
	if e.inflight == nil && !c.isFreshLocked(e) {
		if c.blockedLocked(e, fp) {
			metrics.IncrementBlockedRevalidations(string(key.Kind()))
		} else {
			call = c.startFetchLocked(e, domain.TriggerSubscribe, fp)
			note = c.notificationLocked(e)
		}
	}
	snap := e.snapshot()
	c.mu.Unlock()

	c.dispatch(note)
	c.launch(call)

	var once sync.Once
	return snap, func() {
		once.Do(func() { c.unsubscribe(e, id) })
	}
}

func (c *Coordinator) unsubscribe(e *cacheEntry, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(e.subscribers, id)
	if len(e.subscribers) == 0 {
		e.idleSince = c.now()
	}
}

// Revalidate is the manual trigger. It joins the in-flight fetch for key or starts one,
// and the returned channel yields the snapshot that fetch produced.
func (c *Coordinator) Revalidate(key domain.ResourceKey) <-chan domain.Snapshot {
	return c.revalidate(key, domain.TriggerManual, false)
}

// Refetch starts a fetch even when one is in flight. The older call is cancelled, its
// result discarded, and its waiters receive the result of the new call instead.
func (c *Coordinator) Refetch(key domain.ResourceKey) <-chan domain.Snapshot {
	return c.revalidate(key, domain.TriggerManual, true)
}

func (c *Coordinator) revalidate(key domain.ResourceKey, trigger domain.RevalidationTrigger, force bool) <-chan domain.Snapshot {
	ch := make(chan domain.Snapshot, 1)
	if key.IsZero() {
		ch <- domain.IdleSnapshot(key)
		close(ch)
		return ch
	}
	fp := c.credentialFingerprint()

	c.mu.Lock()
	if c.closed {
		ch <- c.snapshotLocked(key)
		c.mu.Unlock()
		close(ch)
		return ch
	}
	e := c.entryLocked(key)
	if e.inflight != nil && !force {
		e.inflight.waiters = append(e.inflight.waiters, ch)
		c.mu.Unlock()
		metrics.IncrementDedupJoins(string(key.Kind()))
		return ch
	}
	if c.blockedLocked(e, fp) {
		snap := e.snapshot()
		c.mu.Unlock()
		metrics.IncrementBlockedRevalidations(string(key.Kind()))
		c.logger.Debug(c.logContext(key), "Skipping revalidation, credential already rejected for this key",
			"trigger", string(trigger))
		ch <- snap
		close(ch)
		return ch
	}
	call := c.startFetchLocked(e, trigger, fp)
	call.waiters = append(call.waiters, ch)
	note := c.notificationLocked(e)
	c.mu.Unlock()

	c.dispatch(note)
	c.launch(call)
	return ch
}

// Get returns a fresh snapshot of key, fetching it when the cached entry is missing or stale.
// A failed fetch returns the snapshot together with its *domain.FetchError.
func (c *Coordinator) Get(ctx context.Context, key domain.ResourceKey) (domain.Snapshot, error) {
	if key.IsZero() {
		return domain.IdleSnapshot(key), fmt.Errorf("%w: no key", domain.ErrInvalidResourceKey)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.IdleSnapshot(key), ErrCoordinatorClosed
	}
	if e, ok := c.entries[key]; ok && e.inflight == nil && c.isFreshLocked(e) {
		snap := e.snapshot()
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	select {
	case snap := <-c.revalidate(key, domain.TriggerSubscribe, false):
		if snap.Err != nil {
			return snap, snap.Err
		}
		return snap, nil
	case <-ctx.Done():
		return c.Peek(key), ctx.Err()
	}
}

// Peek returns the current snapshot of key without triggering anything.
func (c *Coordinator) Peek(key domain.ResourceKey) domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(key)
}

// entryLocked returns the entry for key, creating it in Idle state.
func (c *Coordinator) entryLocked(key domain.ResourceKey) *cacheEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{
			key:         key,
			status:      domain.StatusIdle,
			subscribers: make(map[uint64]Listener),
			idleSince:   c.now(),
		}
		c.entries[key] = e
	}
	return e
}

func (c *Coordinator) snapshotLocked(key domain.ResourceKey) domain.Snapshot {
	if e, ok := c.entries[key]; ok {
		return e.snapshot()
	}
	return domain.IdleSnapshot(key)
}

func (c *Coordinator) isFreshLocked(e *cacheEntry) bool {
	if e.status != domain.StatusResolved || e.stale {
		return false
	}
	return c.now().Sub(e.updatedAt) < c.configProvider.Get().Cache.StaleAfter()
}

func (c *Coordinator) blockedLocked(e *cacheEntry, fp string) bool {
	return e.blocked && e.blockedCredential == fp
}

// startFetchLocked moves e to Fetching under a new version. The caller launches the call
// after releasing the lock.
func (c *Coordinator) startFetchLocked(e *cacheEntry, trigger domain.RevalidationTrigger, fp string) *fetchCall {
	var waiters []chan domain.Snapshot
	if old := e.inflight; old != nil {
		old.cancel()
		waiters = old.waiters
		old.waiters = nil
	}

	e.version++
	ctx, cancel := context.WithCancel(c.baseCtx)
	call := &fetchCall{
		entry:      e,
		key:        e.key,
		version:    e.version,
		trigger:    trigger,
		credential: fp,
		ctx:        ctx,
		cancel:     cancel,
		waiters:    waiters,
	}
	e.inflight = call
	e.status = domain.StatusFetching
	e.stale = false
	c.seq++
	e.seq = c.seq
	c.inFlight++
	c.fetchWg.Add(1)
	metrics.IncrementRevalidations(string(trigger))
	return call
}

func (c *Coordinator) launch(call *fetchCall) {
	if call == nil {
		return
	}
	safego.Execute(call.ctx, c.logger, "fetch:"+call.key.String(), func() {
		defer c.fetchWg.Done()
		c.runFetch(call)
	})
}

func (c *Coordinator) runFetch(call *fetchCall) {
	logCtx := c.logContext(call.key)
	c.logger.Debug(logCtx, "Fetch started",
		"version", call.version,
		"trigger", string(call.trigger))

	req, err := c.resolver.Resolve(call.key)
	if err != nil {
		c.logger.Warn(logCtx, "Cannot resolve request for key", "error", err.Error())
		c.complete(call, nil, domain.NewFetchError(domain.ErrKindUnknown, 0, err.Error(), err))
		return
	}
	data, err := c.callFetcher(call.ctx, call.key, req)
	c.complete(call, data, err)
}

func (c *Coordinator) callFetcher(ctx context.Context, key domain.ResourceKey, req domain.RequestDescriptor) (data json.RawMessage, err error) {
	if r := safego.Call(c.logContext(key), c.logger, "fetcher", func() {
		data, err = c.fetcher.Fetch(ctx, key, req)
	}); r != nil {
		return nil, domain.NewFetchError(domain.ErrKindUnknown, 0, fmt.Sprintf("fetcher panic: %v", r), nil)
	}
	return data, err
}

// complete applies the outcome of call, unless a newer fetch or mutation superseded it.
func (c *Coordinator) complete(call *fetchCall, data json.RawMessage, err error) {
	call.cancel()
	logCtx := c.logContext(call.key)

	c.mu.Lock()
	c.inFlight--
	e := call.entry
	if closed := c.closed; e.inflight != call || e.version != call.version || closed {
		waiters := call.waiters
		call.waiters = nil
		snap := e.snapshot()
		if e.inflight == call {
			e.inflight = nil
		}
		c.mu.Unlock()
		if !closed {
			metrics.IncrementStaleResultsDiscarded(string(call.key.Kind()))
		}
		c.logger.Debug(logCtx, "Discarding superseded fetch result",
			"call_version", call.version,
			"entry_version", snap.Version)
		sendAll(waiters, snap)
		return
	}

	e.inflight = nil
	e.updatedAt = c.now()
	if fe := domain.AsFetchError(err); fe != nil {
		e.status = domain.StatusFailed
		e.err = fe
		if fe.Kind == domain.ErrKindUnauthenticated {
			e.blocked = true
			e.blockedCredential = call.credential
		}
	} else {
		e.status = domain.StatusResolved
		e.data = data
		e.err = nil
		e.blocked = false
		e.blockedCredential = ""
	}
	if len(e.subscribers) == 0 && e.idleSince.IsZero() {
		e.idleSince = e.updatedAt
	}
	note := c.notificationLocked(e)
	waiters := call.waiters
	call.waiters = nil
	c.mu.Unlock()

	if note.snap.Err != nil {
		c.logger.Info(logCtx, "Fetch failed",
			"version", call.version,
			"error_kind", string(note.snap.Err.Kind),
			"error", note.snap.Err.Message)
	} else {
		c.logger.Debug(logCtx, "Fetch resolved", "version", call.version)
	}
	c.dispatch(note)
	sendAll(waiters, note.snap)
}

// Mutate replaces the data of key locally, superseding any in-flight fetch. With
// revalidate set, a fetch is started right away to confirm the value with the Remote API.
func (c *Coordinator) Mutate(key domain.ResourceKey, data json.RawMessage, revalidate bool) (domain.Snapshot, error) {
	if key.IsZero() {
		return domain.IdleSnapshot(key), fmt.Errorf("%w: no key", domain.ErrInvalidResourceKey)
	}
	fp := c.credentialFingerprint()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.IdleSnapshot(key), ErrCoordinatorClosed
	}
	e := c.entryLocked(key)

	var waiters []chan domain.Snapshot
	if old := e.inflight; old != nil {
		old.cancel()
		waiters = old.waiters
		old.waiters = nil
		e.inflight = nil
	}
	e.version++
	e.status = domain.StatusResolved
	e.data = data
	e.err = nil
	e.stale = false
	e.updatedAt = c.now()
	c.seq++
	e.seq = c.seq
	snap := e.snapshot()
	notes := []notification{c.notificationLocked(e)}

	var call *fetchCall
	if revalidate && !c.blockedLocked(e, fp) {
		call = c.startFetchLocked(e, domain.TriggerMutation, fp)
		call.waiters = waiters
		waiters = nil
		notes = append(notes, c.notificationLocked(e))
	}
	c.mu.Unlock()

	c.dispatch(notes...)
	sendAll(waiters, snap)
	c.launch(call)
	return snap, nil
}

// Execute performs a write through the fetcher and, when it succeeds, invalidates every
// cached entry of the given kinds.
func (c *Coordinator) Execute(ctx context.Context, req domain.RequestDescriptor, kinds ...domain.ResourceKind) (json.RawMessage, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrCoordinatorClosed
	}

	data, err := c.callFetcher(ctx, domain.NoKey, req)
	if err != nil {
		return nil, domain.AsFetchError(err)
	}
	for _, kind := range kinds {
		c.invalidate(func(k domain.ResourceKey) bool { return k.Kind() == kind }, domain.TriggerMutation)
	}
	return data, nil
}

// EntryInfo describes one cache entry for inspection.
type EntryInfo struct {
	Key         domain.ResourceKey `json:"key"`
	Status      domain.Status      `json:"status"`
	Version     uint64             `json:"version"`
	Subscribers int                `json:"subscribers"`
	InFlight    bool               `json:"in_flight"`
	Stale       bool               `json:"stale"`
	Blocked     bool               `json:"blocked"`
	HasData     bool               `json:"has_data"`
	Error       *domain.FetchError `json:"error,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at,omitempty"`
	IdleSince   time.Time          `json:"idle_since,omitempty"`
}

// Entries lists every entry ordered by key.
func (c *Coordinator) Entries() []EntryInfo {
	c.mu.Lock()
	infos := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		infos = append(infos, EntryInfo{
			Key:         e.key,
			Status:      e.status,
			Version:     e.version,
			Subscribers: len(e.subscribers),
			InFlight:    e.inflight != nil,
			Stale:       e.stale,
			Blocked:     e.blocked,
			HasData:     e.data != nil,
			Error:       e.err,
			UpdatedAt:   e.updatedAt,
			IdleSince:   e.idleSince,
		})
	}
	c.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key.String() < infos[j].Key.String() })
	return infos
}

// Stats summarises the cache.
type Stats struct {
	Entries     int                   `json:"entries"`
	Subscribers int                   `json:"subscribers"`
	InFlight    int                   `json:"in_flight"`
	ByStatus    map[domain.Status]int `json:"by_status"`
}

// Stats returns counters over all entries and refreshes the cache gauges.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	s := c.statsLocked()
	c.mu.Unlock()
	metrics.SetCacheState(s.Entries, s.Subscribers, s.InFlight)
	return s
}

func (c *Coordinator) statsLocked() Stats {
	s := Stats{
		Entries:  len(c.entries),
		InFlight: c.inFlight,
		ByStatus: make(map[domain.Status]int, 4),
	}
	for _, e := range c.entries {
		s.Subscribers += len(e.subscribers)
		s.ByStatus[e.status]++
	}
	return s
}

// Close stops the eviction loop, cancels in-flight fetches and waits for them to return.
// Subscribers receive no further notifications.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.StopEvictionLoop()
	c.cancelBase()
	c.fetchWg.Wait()
	c.logger.Info(context.Background(), "Coordinator closed")
}

// Ready reports ErrCoordinatorClosed once Close has been called.
func (c *Coordinator) Ready(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}
	return nil
}

func (c *Coordinator) notificationLocked(e *cacheEntry) notification {
	n := notification{snap: e.snapshot()}
	if len(e.subscribers) > 0 {
		n.listeners = make([]Listener, 0, len(e.subscribers))
		for _, l := range e.subscribers {
			n.listeners = append(n.listeners, l)
		}
	}
	return n
}

func (c *Coordinator) dispatch(notes ...notification) {
	for _, n := range notes {
		for _, l := range n.listeners {
			c.invokeListener(l, n.snap)
		}
	}
}

func (c *Coordinator) invokeListener(l Listener, snap domain.Snapshot) {
	safego.Call(c.logContext(snap.Key), c.logger, "cache listener", func() { l(snap) })
}

func (c *Coordinator) credentialFingerprint() string {
	if c.auth == nil {
		return ""
	}
	cred, ok := c.auth.Credential(c.baseCtx)
	if !ok || cred == nil || cred.AccessToken == "" {
		return ""
	}
	return crypto.Fingerprint(cred.AccessToken)
}

func (c *Coordinator) logContext(key domain.ResourceKey) context.Context {
	return context.WithValue(c.baseCtx, contextkeys.ResourceKeyKey, key.String())
}

func (e *cacheEntry) snapshot() domain.Snapshot {
	return domain.Snapshot{
		Key:       e.key,
		Status:    e.status,
		Data:      e.data,
		Err:       e.err,
		Version:   e.version,
		Seq:       e.seq,
		UpdatedAt: e.updatedAt,
	}
}

func sendAll(waiters []chan domain.Snapshot, snap domain.Snapshot) {
	for _, w := range waiters {
		w <- snap
		close(w)
	}
}
