package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	cmdUtil "github.com/ValentinKolb/urcu/cmd/util"
	"github.com/ValentinKolb/urcu/lib/rcu"
	"github.com/ValentinKolb/urcu/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("cmd")

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Performance testing tool for RCU domains",
		Long:    `Measures read-side section cost, grace-period throughput and latency, and deferred reclamation throughput. The configuration can be set via command line flags or environment variables. The format of the environment variables is URCU_<flag> (e.g. URCU_THREADS=8)`,
		RunE:    run,
		PreRunE: processBenchConfig,
	}
	benchNumThreads = 4
	benchSkip       = make([]string, 0)
)

func init() {
	key := "skip"
	BenchCmd.Flags().String(key, "", cmdUtil.WrapString("Benchmarks to skip (comma separated - e.g. defer,read-mostly)"))
	key = "threads"
	BenchCmd.Flags().Int(key, benchNumThreads, cmdUtil.WrapString("Number of goroutines per CPU used by the parallel benchmarks"))
	key = "csv"
	BenchCmd.Flags().String(key, "", cmdUtil.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchNumThreads = viper.GetInt("threads")
	benchSkip = strings.Split(viper.GetString("skip"), ",")

	if benchNumThreads < 1 {
		return fmt.Errorf("invalid number of threads %d", benchNumThreads)
	}
	return nil
}

// benchmark is one named benchmark run against a fresh domain
type benchmark struct {
	name string
	fn   func(b *testing.B, d *rcu.Domain, latency gometrics.Timer)
}

var benchmarks = []benchmark{
	{"enter-exit", benchEnterExit},
	{"nested-enter-exit", benchNestedEnterExit},
	{"parallel-read", benchParallelRead},
	{"synchronize", benchSynchronize},
	{"parallel-synchronize", benchParallelSynchronize},
	{"synchronize-busy", benchSynchronizeBusy},
	{"defer", benchDefer},
	{"read-mostly", benchReadMostly},
}

func run(_ *cobra.Command, _ []string) error {
	conf, err := cmdUtil.GetDomainConfig("bench")
	if err != nil {
		return err
	}

	fmt.Println("Performance testing tool for RCU domains")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(conf.String())
	fmt.Printf("Threads: %d\n", benchNumThreads)
	fmt.Println()

	fmt.Println("starting benchmarks...")

	registry := gometrics.NewRegistry()
	results := make(map[string]testing.BenchmarkResult)
	var order []string

	for _, bm := range benchmarks {
		if shouldSkip(bm.name) {
			results[bm.name] = testing.BenchmarkResult{}
			order = append(order, bm.name)
			printResult(bm.name, results[bm.name], nil)
			continue
		}

		var latency gometrics.Timer
		result := testing.Benchmark(func(b *testing.B) {
			// the timer only keeps the samples of the final run
			latency = gometrics.NewTimer()

			d, err := rcu.NewDomain(conf)
			if err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() {
				if err := d.Close(); err != nil {
					log.Errorf("(%s) - error closing domain: %v", bm.name, err)
				}
			})

			b.SetParallelism(benchNumThreads)
			b.ResetTimer()
			bm.fn(b, d, latency)
		})

		if err := registry.Register(bm.name, latency); err != nil {
			return err
		}
		results[bm.name] = result
		order = append(order, bm.name)
		printResult(bm.name, result, latency)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, order, results, registry, conf); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

func benchEnterExit(b *testing.B, d *rcu.Domain, _ gometrics.Timer) {
	h, _ := d.RegisterThread(0)
	defer h.Deregister()

	for i := 0; i < b.N; i++ {
		g := h.Enter()
		_ = g.Release()
	}
}

func benchNestedEnterExit(b *testing.B, d *rcu.Domain, _ gometrics.Timer) {
	h, _ := d.RegisterThread(0)
	defer h.Deregister()

	outer := h.Enter()
	defer outer.Release()

	for i := 0; i < b.N; i++ {
		g := h.Enter()
		_ = g.Release()
	}
}

func benchParallelRead(b *testing.B, d *rcu.Domain, _ gometrics.Timer) {
	var ids util.IDAllocator
	var value atomic.Pointer[uint64]
	value.Store(new(uint64))

	b.RunParallel(func(pb *testing.PB) {
		h, err := d.RegisterThread(ids.Next())
		if err != nil {
			log.Errorf("(parallel-read) - error registering thread: %v", err)
			return
		}
		defer h.Deregister()

		var sum uint64
		for pb.Next() {
			g := h.Enter()
			sum += *value.Load()
			_ = g.Release()
		}
		_ = sum
	})
}

func benchSynchronize(b *testing.B, d *rcu.Domain, latency gometrics.Timer) {
	for i := 0; i < b.N; i++ {
		latency.Time(d.Synchronize)
	}
}

func benchParallelSynchronize(b *testing.B, d *rcu.Domain, latency gometrics.Timer) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			latency.Time(d.Synchronize)
		}
	})
}

// benchSynchronizeBusy measures grace periods while readers keep entering sections
func benchSynchronizeBusy(b *testing.B, d *rcu.Domain, latency gometrics.Timer) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := startReaders(ctx, d, benchNumThreads)

	for i := 0; i < b.N; i++ {
		latency.Time(d.Synchronize)
	}

	b.StopTimer()
	cancel()
	<-stopped
}

func benchDefer(b *testing.B, d *rcu.Domain, latency gometrics.Timer) {
	release := func(any) error { return nil }

	for i := 0; i < b.N; i++ {
		if err := d.Defer(i, release); err != nil {
			b.Fatal(err)
		}
	}

	start := time.Now()
	if err := d.Barrier(context.Background()); err != nil {
		b.Fatal(err)
	}
	latency.UpdateSince(start)
}

// benchReadMostly: every 100th operation replaces the value and defers the old one
func benchReadMostly(b *testing.B, d *rcu.Domain, _ gometrics.Timer) {
	var ids util.IDAllocator
	var value atomic.Pointer[uint64]
	value.Store(new(uint64))
	release := func(any) error { return nil }

	b.RunParallel(func(pb *testing.PB) {
		h, err := d.RegisterThread(ids.Next())
		if err != nil {
			log.Errorf("(read-mostly) - error registering thread: %v", err)
			return
		}
		defer h.Deregister()

		counter := uint64(0)
		for pb.Next() {
			counter++
			if counter%100 == 0 {
				n := counter
				old := value.Swap(&n)
				if err := d.Defer(old, release); err != nil {
					log.Errorf("(read-mostly) - error deferring: %v", err)
				}
				continue
			}
			g := h.Enter()
			_ = *value.Load()
			_ = g.Release()
		}
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// startReaders runs n reader goroutines until ctx ends. The returned channel
// is closed when all of them are deregistered.
func startReaders(ctx context.Context, d *rcu.Domain, n int) <-chan struct{} {
	var ids util.IDAllocator
	done := make(chan struct{})
	remaining := atomic.Int64{}
	remaining.Store(int64(n))

	for i := 0; i < n; i++ {
		h, err := d.RegisterThread(ids.Next())
		if err != nil {
			log.Errorf("error registering reader: %v", err)
			if remaining.Add(-1) == 0 {
				close(done)
			}
			continue
		}
		go func() {
			defer func() {
				_ = h.Deregister()
				if remaining.Add(-1) == 0 {
					close(done)
				}
			}()
			for ctx.Err() == nil {
				g := h.Enter()
				_ = g.Release()
			}
		}()
	}
	return done
}

func shouldSkip(test string) bool {
	for _, skip := range benchSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark in a formatted way
func printResult(test string, result testing.BenchmarkResult, latency gometrics.Timer) {
	if result.N == 0 {
		fmt.Printf("%-24sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.T.Nanoseconds())/float64(result.N), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-24s%.1fns/op (%s/op)\t%.0f ops/sec", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
	if latency != nil && latency.Count() > 0 {
		ps := latency.Percentiles([]float64{0.5, 0.99})
		fmt.Printf("\tlatency p50 %s p99 %s max %s",
			time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(latency.Max()))
	}
	fmt.Println()
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, order []string, results map[string]testing.BenchmarkResult, registry gometrics.Registry, conf *rcu.Config) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"LatencyCount", "LatencyP50Ns", "LatencyP99Ns", "LatencyMaxNs",
		"Fence", "SpinIterations", "PollInterval", "MaxPollInterval",
		"DrainInterval", "DrainBatchSize", "Threads",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, test := range order {
		result := results[test]

		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.N > 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.T.Nanoseconds())/float64(result.N), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		var count int64
		var p50, p99, max float64
		if timer, ok := registry.Get(test).(gometrics.Timer); ok && timer.Count() > 0 {
			snapshot := timer.Snapshot()
			ps := snapshot.Percentiles([]float64{0.5, 0.99})
			count, p50, p99, max = snapshot.Count(), ps[0], ps[1], float64(snapshot.Max())
		}

		row := []string{
			test,
			fmt.Sprintf("%.1f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.FormatInt(count, 10),
			fmt.Sprintf("%.0f", p50),
			fmt.Sprintf("%.0f", p99),
			fmt.Sprintf("%.0f", max),
			conf.Fence.Name(),
			strconv.Itoa(conf.SpinIterations),
			conf.PollInterval.String(),
			conf.MaxPollInterval.String(),
			conf.DrainInterval.String(),
			strconv.Itoa(conf.DrainBatchSize),
			strconv.Itoa(benchNumThreads),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
