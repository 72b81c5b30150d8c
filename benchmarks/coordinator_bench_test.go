package benchmarks

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gitlab.com/ecolearn/platform/resource-cache/benchmarks/mocks"
	"gitlab.com/ecolearn/platform/resource-cache/internal/application"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

// setupCoordinatorBenchmark creates a coordinator backed by a mock fetcher with the given latency.
func setupCoordinatorBenchmark(b *testing.B, latency time.Duration) (*application.Coordinator, *mocks.MockFetcher) {
	b.Helper()
	fetcher := mocks.NewMockFetcher(latency)
	coordinator := application.NewCoordinator(
		mocks.NewMockLogger(),
		mocks.NewMockConfigProvider(),
		fetcher,
		application.DefaultRoutes(),
		&mocks.MockAuth{Token: "benchmark-token"},
	)
	b.Cleanup(coordinator.Close)
	return coordinator, fetcher
}

func waitIdle(b *testing.B, c *application.Coordinator) {
	b.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().InFlight > 0 {
		if time.Now().After(deadline) {
			b.Fatal("fetches did not settle")
		}
		time.Sleep(time.Millisecond)
	}
}

// BenchmarkSubscribeFresh measures subscribing to an entry that is already resolved and fresh.
func BenchmarkSubscribeFresh(b *testing.B) {
	coordinator, fetcher := setupCoordinatorBenchmark(b, 0)
	key := domain.ProjectsKey(1, 10, nil)
	<-coordinator.Revalidate(key)

	b.Run("Sequential", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, unsubscribe := coordinator.Subscribe(key, nil)
			unsubscribe()
		}
	})

	b.Run("Parallel", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				_, unsubscribe := coordinator.Subscribe(key, nil)
				unsubscribe()
			}
		})
	})

	b.ReportMetric(float64(fetcher.CallCount()), "fetches")
}

// BenchmarkGetDeduplicated measures many concurrent readers of one cold key; the fetcher
// should be called once per round.
func BenchmarkGetDeduplicated(b *testing.B) {
	for _, readers := range []int{10, 100} {
		b.Run(fmt.Sprintf("Readers_%d", readers), func(b *testing.B) {
			coordinator, fetcher := setupCoordinatorBenchmark(b, 100*time.Microsecond)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				key := domain.ProjectKey(fmt.Sprintf("p%d", i))
				var ok atomic.Int64
				done := make(chan struct{}, readers)
				for r := 0; r < readers; r++ {
					go func() {
						if _, err := coordinator.Get(context.Background(), key); err == nil {
							ok.Add(1)
						}
						done <- struct{}{}
					}()
				}
				for r := 0; r < readers; r++ {
					<-done
				}
				if ok.Load() != int64(readers) {
					b.Fatalf("only %d of %d readers succeeded", ok.Load(), readers)
				}
			}
			b.StopTimer()
			b.ReportMetric(float64(fetcher.CallCount())/float64(b.N), "fetches/op")
		})
	}
}

// BenchmarkInvalidateKind measures marking and refetching every subscribed key of one kind.
func BenchmarkInvalidateKind(b *testing.B) {
	for _, entries := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("Entries_%d", entries), func(b *testing.B) {
			coordinator, _ := setupCoordinatorBenchmark(b, 0)
			for i := 0; i < entries; i++ {
				_, unsubscribe := coordinator.Subscribe(domain.ProjectKey(fmt.Sprintf("p%d", i)), nil)
				b.Cleanup(unsubscribe)
			}
			waitIdle(b, coordinator)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				coordinator.InvalidateKind(domain.KindProject)
				waitIdle(b, coordinator)
			}
		})
	}
}

// BenchmarkBindingDelivery measures one binding receiving snapshots from local mutations.
func BenchmarkBindingDelivery(b *testing.B) {
	coordinator, _ := setupCoordinatorBenchmark(b, 0)
	key := domain.ProfileKey()

	var delivered atomic.Int64
	binding := coordinator.Bind(key, func(domain.Snapshot) { delivered.Add(1) })
	b.Cleanup(binding.Close)
	waitIdle(b, coordinator)

	payload := []byte(`{"name":"benchmark"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := binding.Mutate(payload, false); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	b.ReportMetric(float64(delivered.Load())/float64(b.N), "deliveries/op")
}

// BenchmarkResourceKey measures building and rendering the canonical key string.
func BenchmarkResourceKey(b *testing.B) {
	filters := map[string]string{"country": "KE", "q": "water", "sdg": "6"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		key := domain.ProjectsKey(i%50, 20, filters)
		_ = key.String()
	}
}
