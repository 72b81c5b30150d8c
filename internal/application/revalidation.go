package application

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

const defaultMaxConcurrentRevalidations = 8

// InvalidateKey marks key stale. A subscribed entry is re-fetched at once, superseding any
// fetch that started before the invalidation. Returns the number of entries marked.
func (c *Coordinator) InvalidateKey(key domain.ResourceKey) int {
	if key.IsZero() {
		return 0
	}
	return c.invalidate(func(k domain.ResourceKey) bool { return k == key }, domain.TriggerInvalidation)
}

// InvalidateKind marks every entry of kind stale and re-fetches the subscribed ones.
func (c *Coordinator) InvalidateKind(kind domain.ResourceKind) int {
	return c.invalidate(func(k domain.ResourceKey) bool { return k.Kind() == kind }, domain.TriggerInvalidation)
}

func (c *Coordinator) invalidate(match func(domain.ResourceKey) bool, trigger domain.RevalidationTrigger) int {
	fp := c.credentialFingerprint()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	marked := 0
	var calls []*fetchCall
	var notes []notification
	for key, e := range c.entries {
		if !match(key) {
			continue
		}
		marked++
		e.stale = true
		if len(e.subscribers) == 0 || c.blockedLocked(e, fp) {
			continue
		}
		calls = append(calls, c.startFetchLocked(e, trigger, fp))
		notes = append(notes, c.notificationLocked(e))
	}
	c.mu.Unlock()

	c.dispatch(notes...)
	for _, call := range calls {
		c.launch(call)
	}
	if marked > 0 {
		c.logger.Debug(c.baseCtx, "Invalidated cache entries",
			"count", marked,
			"refetched", len(calls),
			"trigger", string(trigger))
	}
	return marked
}

// RevalidateAll revalidates every subscribed entry, running at most
// cache.max_concurrent_revalidations fetches at a time. It waits for all of them and only
// fails when ctx ends first; fetch failures are recorded on the entries.
func (c *Coordinator) RevalidateAll(ctx context.Context, trigger domain.RevalidationTrigger) error {
	c.mu.Lock()
	keys := make([]domain.ResourceKey, 0, len(c.entries))
	for key, e := range c.entries {
		if len(e.subscribers) > 0 {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	limit := c.configProvider.Get().Cache.MaxConcurrentRevalidations
	if limit <= 0 {
		limit = defaultMaxConcurrentRevalidations
	}

	c.logger.Info(ctx, "Revalidating subscribed entries",
		"count", len(keys),
		"trigger", string(trigger),
		"concurrency", limit)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			select {
			case <-c.revalidate(key, trigger, false):
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// StartEvictionLoop periodically removes entries that have had no subscriber and no fetch
// for longer than cache.evict_after_seconds.
func (c *Coordinator) StartEvictionLoop(appCtx context.Context) {
	cfg := c.configProvider.Get().Cache
	interval := cfg.SweepInterval()
	if interval <= 0 || cfg.EvictAfter() <= 0 {
		c.logger.Warn(appCtx, "Eviction is disabled; unsubscribed entries are kept until shutdown",
			"sweep_interval_seconds", cfg.SweepIntervalSeconds,
			"evict_after_seconds", cfg.EvictAfterSeconds)
		return
	}

	c.logger.Info(appCtx, "Starting cache eviction loop",
		"sweep_interval", interval.String(),
		"evict_after", cfg.EvictAfter().String())

	c.evictionWg.Add(1)
	safego.Execute(appCtx, c.logger, "CacheEvictionLoop", func() {
		defer c.evictionWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := c.evictIdle(c.now()); n > 0 {
					c.logger.Debug(appCtx, "Evicted idle cache entries", "count", n)
				}
				c.Stats()
			case <-c.evictionStopChan:
				c.logger.Info(appCtx, "Cache eviction loop stopping")
				return
			case <-appCtx.Done():
				c.logger.Info(appCtx, "Cache eviction loop stopping due to context cancellation")
				return
			}
		}
	})
}

// StopEvictionLoop stops the eviction loop and waits for it to exit.
func (c *Coordinator) StopEvictionLoop() {
	c.evictionOnce.Do(func() { close(c.evictionStopChan) })
	c.evictionWg.Wait()
}

// evictIdle removes entries idle since before now minus cache.evict_after_seconds.
func (c *Coordinator) evictIdle(now time.Time) int {
	evictAfter := c.configProvider.Get().Cache.EvictAfter()

	c.mu.Lock()
	evicted := 0
	for key, e := range c.entries {
		if len(e.subscribers) > 0 || e.inflight != nil || e.idleSince.IsZero() {
			continue
		}
		if now.Sub(e.idleSince) >= evictAfter {
			delete(c.entries, key)
			evicted++
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		metrics.IncrementEvictions(evicted)
	}
	return evicted
}
