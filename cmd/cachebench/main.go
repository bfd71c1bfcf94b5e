// cmd/cachebench/main.go
// In-process load generator for the off-heap cache: no listener, no
// wire protocol, just concurrent goroutines hammering Set/Get/Remove
// against one Cache instance so its allocator and segment locks see
// realistic contention.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nativekv/offheapcache/internal/arena"
	"github.com/nativekv/offheapcache/internal/tracing"
	"github.com/nativekv/offheapcache/pkg/offheapcache"
)

const (
	version = "0.1.0"

	defaultWorkers   = 8
	defaultKeySpace  = 50000
	defaultValueSize = 256
	defaultDuration  = 15 * time.Second
	defaultMaxMemory = 256 << 20 // 256 MiB
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cachebench: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fmt.Printf("cachebench v%s\n", version)
	fmt.Printf("CPUs: %d, GOMAXPROCS: %d, workers: %d\n", runtime.NumCPU(), runtime.GOMAXPROCS(0), defaultWorkers)

	metrics := arena.NewMetrics("cachebench")

	cacheOpts := []offheapcache.Option{
		offheapcache.WithLogger(logger),
		offheapcache.WithMetrics(metrics),
		offheapcache.WithTrimInterval(5 * time.Second),
	}
	if endpoint := os.Getenv("CACHEBENCH_JAEGER_ENDPOINT"); endpoint != "" {
		shutdown, err := tracing.Init(endpoint)
		if err != nil {
			logger.Fatal("failed to init tracing", zap.Error(err))
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
		cacheOpts = append(cacheOpts, offheapcache.WithTracer(tracing.Tracer("cache")))
		logger.Info("cachebench: tracing enabled", zap.String("jaeger_endpoint", endpoint))
	}

	cache, err := offheapcache.New(offheapcache.Config{
		MaxMemorySize:   defaultMaxMemory,
		Concurrency:     2 * runtime.NumCPU(),
		InitialCapacity: defaultKeySpace / 4,
		LoadFactor:      0.75,
	}, cacheOpts...)
	if err != nil {
		logger.Fatal("failed to build cache", zap.Error(err))
	}
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultDuration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("cachebench: interrupted, stopping early")
		cancel()
	}()

	stats := &workloadStats{}
	var wg sync.WaitGroup
	for i := 0; i < defaultWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, cache, workerID, stats)
		}(i)
	}

	logger.Info("cachebench: running", zap.Duration("duration", defaultDuration))
	wg.Wait()

	fmt.Println("\n=== cachebench results ===")
	fmt.Printf("sets:    %d\n", stats.sets.Load())
	fmt.Printf("gets:    %d (hits=%d misses=%d)\n", stats.gets.Load(), stats.hits.Load(), stats.misses.Load())
	fmt.Printf("removes: %d\n", stats.removes.Load())
	fmt.Printf("allocation failures: %d\n", stats.allocFailures.Load())
	fmt.Printf("final size: %d\n", cache.Size())
}

type workloadStats struct {
	sets          atomic.Int64
	gets          atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
	removes       atomic.Int64
	allocFailures atomic.Int64
}

// runWorker repeatedly issues a random mix of Set/Get/Remove calls
// against a shared key space until ctx is done.
func runWorker(ctx context.Context, cache *offheapcache.Cache, workerID int, stats *workloadStats) {
	rng := rand.New(rand.NewSource(int64(workerID) + time.Now().UnixNano()))
	value := make([]byte, defaultValueSize)
	rng.Read(value)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		key := fmt.Sprintf("bench-key-%d", rng.Intn(defaultKeySpace))
		switch rng.Intn(10) {
		case 0, 1: // 20% remove
			cache.Remove(key)
			stats.removes.Add(1)
		case 2, 3, 4: // 30% set
			if err := cache.Set(ctx, key, value); err != nil {
				if errors.Is(err, offheapcache.ErrAllocationFailure) {
					stats.allocFailures.Add(1)
				}
			}
			stats.sets.Add(1)
		default: // 50% get
			var out []byte
			found, err := cache.Get(key, &out)
			stats.gets.Add(1)
			if err == nil && found {
				stats.hits.Add(1)
			} else {
				stats.misses.Add(1)
			}
		}
	}
}
