package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/memtap"
	"github.com/pior/memtap/binprot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type operationType string

const (
	cacheHit     operationType = "cache-hit"
	dynamicValue operationType = "dynamic-value"
	cacheMiss    operationType = "cache-miss"
	deleteOp     operationType = "delete"
	allOps       operationType = "all"
)

var benchOperations = []operationType{cacheHit, dynamicValue, cacheMiss, deleteOp}

type benchmarkResult struct {
	Operation    operationType
	Duration     time.Duration
	TotalOps     int64
	Successes    int64
	Failures     int64
	AvgLatency   time.Duration
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

// benchStep runs one iteration of a worker. It returns the number of
// operations done and errIncorrect when the server returned wrong data.
type benchStep func(ctx context.Context, client *memtap.Client, worker, iteration int) (int, error)

var errIncorrect = errors.New("value mismatch")

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark the servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := signalContext(cmd)
		defer cancel()

		out := cmd.OutOrStdout()
		duration := viper.GetDuration("duration")
		concurrency := viper.GetInt("concurrency")

		ops := benchOperations
		if op := operationType(viper.GetString("operation")); op != allOps {
			ops = []operationType{op}
		}

		for _, op := range ops {
			step, err := benchStepFor(ctx, client, op)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "--- Running %s benchmark ---\n", op)
			result := runBenchmark(ctx, client, op, step, duration, concurrency)
			printResult(out, result)
		}
		printClientStats(out, client.Stats(), client.AllPoolStats())
		return nil
	},
}

func init() {
	flags := benchCmd.Flags()
	flags.String("operation", string(allOps), "operation type: cache-hit, dynamic-value, cache-miss, delete, or all")
	flags.Duration("duration", 5*time.Second, "duration of each benchmark")
	flags.Int("concurrency", 1, "number of concurrent workers")
}

func benchStepFor(ctx context.Context, client *memtap.Client, op operationType) (benchStep, error) {
	switch op {
	case cacheHit:
		key, value := "cache-hit-key", []byte("cache-hit-value")
		if _, err := client.Set(ctx, memtap.Item{Key: key, Value: value, Expiry: 3600}); err != nil {
			return nil, fmt.Errorf("setting the initial value: %w", err)
		}
		return func(ctx context.Context, client *memtap.Client, _, _ int) (int, error) {
			item, err := client.Get(ctx, key)
			if err != nil {
				return 1, err
			}
			if !item.Found || !bytes.Equal(item.Value, value) {
				return 1, errIncorrect
			}
			return 1, nil
		}, nil

	case dynamicValue:
		return func(ctx context.Context, client *memtap.Client, worker, i int) (int, error) {
			key := fmt.Sprintf("dynamic-key-%d-%d", worker, i%100)
			value := fmt.Appendf(nil, "dynamic-value-%d-%d", worker, i)
			if _, err := client.Set(ctx, memtap.Item{Key: key, Value: value, Expiry: 3600}); err != nil {
				return 1, err
			}
			item, err := client.Get(ctx, key)
			if err != nil {
				return 2, err
			}
			if !bytes.Equal(item.Value, value) {
				return 2, errIncorrect
			}
			return 2, nil
		}, nil

	case cacheMiss:
		return func(ctx context.Context, client *memtap.Client, worker, i int) (int, error) {
			item, err := client.Get(ctx, fmt.Sprintf("cache-miss-key-%d-%d-%d", worker, i, time.Now().UnixNano()))
			if err != nil {
				return 1, err
			}
			if item.Found {
				return 1, errIncorrect
			}
			return 1, nil
		}, nil

	case deleteOp:
		return func(ctx context.Context, client *memtap.Client, worker, i int) (int, error) {
			key := fmt.Sprintf("delete-key-%d-%d", worker, i)
			if _, err := client.Set(ctx, memtap.Item{Key: key, Value: []byte("delete-value")}); err != nil {
				return 1, err
			}
			if err := client.Delete(ctx, key); err != nil && !errors.Is(err, binprot.ErrKeyNotFound) {
				return 2, err
			}
			return 2, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

func runBenchmark(ctx context.Context, client *memtap.Client, op operationType, step benchStep, duration time.Duration, concurrency int) *benchmarkResult {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	result := &benchmarkResult{Operation: op, Correctness: true}
	var totalOps, successes, failures, totalLatency atomic.Int64
	var mismatch atomic.Bool

	startTime := time.Now()
	var wg sync.WaitGroup

	for worker := range max(concurrency, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; ctx.Err() == nil; i++ {
				opStart := time.Now()
				n, err := step(ctx, client, worker, i)
				totalLatency.Add(int64(time.Since(opStart)))
				totalOps.Add(int64(n))

				switch {
				case err == nil:
					successes.Add(int64(n))
				case ctx.Err() != nil:
					// Interrupted by the end of the run.
				default:
					failures.Add(1)
					successes.Add(int64(n - 1))
					if errors.Is(err, errIncorrect) {
						mismatch.Store(true)
					}
				}
			}
		}()
	}

	wg.Wait()

	result.Duration = time.Since(startTime)
	result.TotalOps = totalOps.Load()
	result.Successes = successes.Load()
	result.Failures = failures.Load()
	if mismatch.Load() {
		result.Correctness = false
		result.ErrorMessage = errIncorrect.Error()
	}

	if result.TotalOps > 0 {
		result.AvgLatency = time.Duration(totalLatency.Load() / result.TotalOps)
		result.OpsPerSecond = float64(result.TotalOps) / result.Duration.Seconds()
	}
	return result
}

func printResult(w io.Writer, result *benchmarkResult) {
	fmt.Fprintf(w, "Operation: %s\n", result.Operation)
	fmt.Fprintf(w, "Duration: %v\n", result.Duration)
	fmt.Fprintf(w, "Total Operations: %d\n", result.TotalOps)
	fmt.Fprintf(w, "Successes: %d\n", result.Successes)
	fmt.Fprintf(w, "Failures: %d\n", result.Failures)
	if result.TotalOps > 0 {
		fmt.Fprintf(w, "Success Rate: %.2f%%\n", float64(result.Successes)/float64(result.TotalOps)*100)
		fmt.Fprintf(w, "Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Fprintf(w, "Avg Latency: %v\n", result.AvgLatency)
	}
	fmt.Fprintf(w, "Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", result.ErrorMessage)
	}
	fmt.Fprintln(w)
}

func printClientStats(w io.Writer, stats memtap.ClientStats, pools []memtap.ServerPoolStats) {
	fmt.Fprintf(w, "Gets: %d (hit ratio %.2f)\n", stats.Gets, stats.HitRatio())
	fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	for _, pool := range pools {
		fmt.Fprintf(w, "Pool %s: %d conns, %d created, avg wait %v\n",
			pool.Addr, pool.PoolStats.TotalConns, pool.PoolStats.CreatedConns, pool.PoolStats.AverageWait())
	}
}
