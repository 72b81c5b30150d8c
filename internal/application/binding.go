package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

var bindingIDs atomic.Uint64

// Binding is one consumer's live view of a single key. The view always describes the
// currently bound key: after Rebind it switches to the new key's entry, and notifications
// for a key the binding has left are dropped.
type Binding struct {
	id       uint64
	coord    *Coordinator
	onChange func(domain.Snapshot)

	mu          sync.Mutex
	key         domain.ResourceKey
	snap        domain.Snapshot
	unsubscribe func()
	closed      bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Bind creates a binding on key. onChange, when set, is called on a dedicated goroutine
// with the latest snapshot after every change; bursts are coalesced, so intermediate
// snapshots may be skipped. onChange may call back into the binding.
func (c *Coordinator) Bind(key domain.ResourceKey, onChange func(domain.Snapshot)) *Binding {
	b := &Binding{
		id:       bindingIDs.Add(1),
		coord:    c,
		onChange: onChange,
		snap:     domain.IdleSnapshot(domain.NoKey),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if onChange != nil {
		ctx := context.WithValue(c.baseCtx, contextkeys.BindingIDKey, fmt.Sprintf("%d", b.id))
		safego.Execute(ctx, c.logger, fmt.Sprintf("binding-dispatch-%d", b.id), b.dispatchLoop)
	}
	b.attach(key)
	return b
}

// ID identifies the binding in logs.
func (b *Binding) ID() uint64 {
	return b.id
}

// Key returns the bound key.
func (b *Binding) Key() domain.ResourceKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// Snapshot returns the latest applied snapshot of the bound key.
func (b *Binding) Snapshot() domain.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Rebind moves the binding to key. The old subscription is released first; binding to
// NoKey leaves the binding idle without fetching.
func (b *Binding) Rebind(key domain.ResourceKey) {
	b.mu.Lock()
	if b.closed || (key == b.key && (b.unsubscribe != nil || key.IsZero())) {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.attach(key)
}

func (b *Binding) attach(key domain.ResourceKey) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	old := b.unsubscribe
	b.unsubscribe = nil
	b.key = key
	b.snap = domain.IdleSnapshot(key)
	b.mu.Unlock()

	if old != nil {
		old()
	}
	if key.IsZero() {
		b.signal()
		return
	}

	snap, unsubscribe := b.coord.Subscribe(key, b.deliver)

	b.mu.Lock()
	if b.closed || b.key != key || b.unsubscribe != nil {
		// Closed or rebound while subscribing.
		b.mu.Unlock()
		unsubscribe()
		return
	}
	b.unsubscribe = unsubscribe
	b.applyLocked(snap)
	b.mu.Unlock()
	b.signal()
}

// Revalidate forces a re-fetch of the bound key, joining one already in flight.
func (b *Binding) Revalidate() <-chan domain.Snapshot {
	return b.coord.Revalidate(b.Key())
}

// Mutate writes data into the bound key's entry.
func (b *Binding) Mutate(data json.RawMessage, revalidate bool) (domain.Snapshot, error) {
	return b.coord.Mutate(b.Key(), data, revalidate)
}

// Close releases the subscription and stops the dispatch goroutine.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Binding) deliver(snap domain.Snapshot) {
	b.mu.Lock()
	if b.closed || snap.Key != b.key || !b.applyLocked(snap) {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.signal()
}

// applyLocked keeps the snapshot unless an equal or newer one for the same key is held.
func (b *Binding) applyLocked(snap domain.Snapshot) bool {
	if snap.Key == b.snap.Key && b.snap.Seq > 0 && snap.Seq <= b.snap.Seq {
		return false
	}
	b.snap = snap
	return true
}

func (b *Binding) signal() {
	if b.onChange == nil {
		return
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Binding) dispatchLoop() {
	var lastKey domain.ResourceKey
	var lastSeq uint64
	first := true
	for {
		select {
		case <-b.notify:
			snap := b.Snapshot()
			if !first && snap.Key == lastKey && snap.Seq == lastSeq {
				continue
			}
			first = false
			lastKey, lastSeq = snap.Key, snap.Seq
			b.invoke(snap)
		case <-b.done:
			return
		}
	}
}

func (b *Binding) invoke(snap domain.Snapshot) {
	safego.Call(b.coord.logContext(snap.Key), b.coord.logger, fmt.Sprintf("binding callback %d", b.id), func() { b.onChange(snap) })
}
