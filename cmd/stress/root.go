package stress

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/urcu/cmd/util"
	"github.com/ValentinKolb/urcu/lib/rcu"
	"github.com/ValentinKolb/urcu/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("cmd")

// Writer modes
const (
	modeSync  = "sync"
	modeDefer = "defer"
	modeMixed = "mixed"
)

var (
	StressCmd = &cobra.Command{
		Use:     "stress",
		Short:   "Run a use-after-free stress test against an RCU domain",
		Long:    `Readers repeatedly check a published canary object while writers replace it and free the old one after a grace period, either synchronously or through deferred reclamation. A reader that observes a freed canary is a violation and makes the command fail. The configuration can be set via command line flags or environment variables. The format of the environment variables is URCU_<flag> (e.g. URCU_READERS=8)`,
		PreRunE: processConfig,
		RunE:    run,
	}

	stressReaders         = 4
	stressWriters         = 2
	stressDuration        = 5 * time.Second
	stressReadWork        = 16
	stressWriterMode      = modeMixed
	stressMetricsEndpoint = ""
	stressSeed            uint64
)

func init() {
	key := "readers"
	StressCmd.Flags().Int(key, stressReaders, cmdUtil.WrapString("Number of reader goroutines, each registered as its own thread"))

	key = "writers"
	StressCmd.Flags().Int(key, stressWriters, cmdUtil.WrapString("Number of writer goroutines"))

	key = "duration"
	StressCmd.Flags().Duration(key, stressDuration, cmdUtil.WrapString("How long the stress test runs"))

	key = "read-work"
	StressCmd.Flags().Int(key, stressReadWork, cmdUtil.WrapString("Number of canary checks per critical section"))

	key = "writer-mode"
	StressCmd.Flags().String(key, stressWriterMode, cmdUtil.WrapString("How writers free old canaries (sync, defer, mixed)"))

	key = "seed"
	StressCmd.Flags().Uint64(key, 0, cmdUtil.WrapString("Seed of the per-reader section lengths (0 picks a random seed, printed with the result)"))

	key = "metrics-endpoint"
	StressCmd.Flags().String(key, "", cmdUtil.WrapString("Optional address to serve Prometheus metrics on while the test runs (e.g. localhost:9090)"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	stressReaders = viper.GetInt("readers")
	stressWriters = viper.GetInt("writers")
	stressDuration = viper.GetDuration("duration")
	stressReadWork = viper.GetInt("read-work")
	stressWriterMode = viper.GetString("writer-mode")
	stressMetricsEndpoint = viper.GetString("metrics-endpoint")
	stressSeed = viper.GetUint64("seed")

	if stressReaders < 1 || stressWriters < 1 {
		return fmt.Errorf("at least one reader and one writer are required")
	}
	if stressReadWork < 1 {
		return fmt.Errorf("invalid read work %d", stressReadWork)
	}
	if stressDuration <= 0 {
		return fmt.Errorf("invalid duration %s", stressDuration)
	}
	switch stressWriterMode {
	case modeSync, modeDefer, modeMixed:
	default:
		return fmt.Errorf("invalid writer mode %s (expected one of: %s, %s, %s)", stressWriterMode, modeSync, modeDefer, modeMixed)
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	conf, err := cmdUtil.GetDomainConfig("stress")
	if err != nil {
		return err
	}

	d, err := rcu.NewDomain(conf)
	if err != nil {
		return err
	}

	fmt.Println("Stress test for RCU domains")
	fmt.Println(conf.String())
	fmt.Printf("Readers: %d, Writers: %d (%s), Duration: %s\n\n", stressReaders, stressWriters, stressWriterMode, stressDuration)

	if stressMetricsEndpoint != "" {
		srv := serveMetrics(stressMetricsEndpoint, d)
		defer srv.Close()
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, stressDuration)
	defer cancelTimeout()

	res := Run(ctx, d, Options{
		Readers:    stressReaders,
		Writers:    stressWriters,
		ReadWork:   stressReadWork,
		WriterMode: stressWriterMode,
		Seed:       stressSeed,
	})

	if err := d.Close(); err != nil {
		return err
	}

	printResult(res, d.Stats())

	if res.Violations > 0 {
		return errors.Newf("%d use-after-free violations detected", res.Violations)
	}
	return nil
}

// --------------------------------------------------------------------------
// Workload
// --------------------------------------------------------------------------

// Options configures one stress run
type Options struct {
	Readers    int
	Writers    int
	// ReadWork is the maximum number of canary checks per section, each
	// section picks a length in [1, ReadWork]
	ReadWork   int
	WriterMode string
	// Seed of the section lengths (0 = util.GenerateSeed())
	Seed uint64
}

// Result summarizes one stress run
type Result struct {
	Reads      []uint64
	Updates    uint64
	Violations uint64
	Elapsed    time.Duration
	Seed       uint64
}

// canary is published through an atomic pointer. A reader holding it must
// never see it freed.
type canary struct {
	freed   atomic.Bool
	version uint64
	check   uint64
}

func newCanary(version uint64) *canary {
	return &canary{version: version, check: ^version}
}

func (c *canary) free() {
	c.freed.Store(true)
	c.check = 0
}

func (c *canary) valid() bool {
	return !c.freed.Load() && c.check == ^c.version
}

// Run executes the canary workload until ctx ends. All readers are
// registered in d and deregistered before Run returns.
func Run(ctx context.Context, d *rcu.Domain, opts Options) Result {
	var (
		current    atomic.Pointer[canary]
		updates    atomic.Uint64
		violations atomic.Uint64
		ids        util.IDAllocator
		wg         conc.WaitGroup
		reads      = make([]uint64, opts.Readers)
		start      = time.Now()
		seed       = opts.Seed
		readWork   = max(opts.ReadWork, 1)
	)
	if seed == 0 {
		seed = util.GenerateSeed()
	}
	current.Store(newCanary(0))

	for i := 0; i < opts.Readers; i++ {
		h, err := d.RegisterThread(ids.Next())
		if err != nil {
			log.Errorf("registering reader %d failed: %v", i, err)
			continue
		}

		wg.Go(func() {
			defer func() {
				if err := h.Deregister(); err != nil {
					log.Warningf("deregistering reader %d failed: %v", h.ID(), err)
				}
			}()

			rng := rand.New(rand.NewPCG(seed, uint64(i)))

			var n uint64
			for ctx.Err() == nil {
				work := 1 + rng.IntN(readWork)
				_ = h.Read(func() error {
					c := current.Load()
					for j := 0; j < work; j++ {
						if !c.valid() {
							violations.Add(1)
							log.Errorf("reader %d observed freed canary %d", h.ID(), c.version)
							break
						}
					}
					return nil
				})
				n++
			}
			reads[i] = n
		})
	}

	for i := 0; i < opts.Writers; i++ {
		useDefer := opts.WriterMode == modeDefer || (opts.WriterMode == modeMixed && i%2 == 1)

		wg.Go(func() {
			for ctx.Err() == nil {
				old := current.Swap(newCanary(updates.Add(1)))

				if !useDefer {
					d.Synchronize()
					old.free()
					continue
				}

				if err := d.Defer(old, func(payload any) error {
					payload.(*canary).free()
					return nil
				}); err != nil {
					log.Errorf("defer failed: %v", err)
					return
				}
			}
		})
	}

	wg.Wait()

	return Result{
		Reads:      reads,
		Updates:    updates.Load(),
		Violations: violations.Load(),
		Elapsed:    time.Since(start),
		Seed:       seed,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// serveMetrics serves the domain and process metrics in Prometheus format
func serveMetrics(addr string, d *rcu.Domain) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		d.WriteMetrics(w)
		metrics.WriteProcessMetrics(w)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics endpoint failed: %v", err)
		}
	}()
	log.Infof("serving metrics on http://%s/metrics", addr)
	return srv
}

func printResult(res Result, stats rcu.Stats) {
	var total uint64
	for _, n := range res.Reads {
		total += n
	}
	fairness := util.NewFairness(res.Reads)
	secs := res.Elapsed.Seconds()

	fmt.Printf("%-22s%s\n", "Elapsed", res.Elapsed.Round(time.Millisecond))
	fmt.Printf("%-22s%d\n", "Seed", res.Seed)
	fmt.Printf("%-22s%d (%.0f/sec)\n", "Read sections", total, float64(total)/secs)
	fmt.Printf("%-22s%d (%.0f/sec)\n", "Updates", res.Updates, float64(res.Updates)/secs)
	fmt.Printf("%-22s%.2f (min %.0f, max %.0f)\n", "Reader fairness", fairness.Quality, fairness.Min, fairness.Max)
	fmt.Printf("%-22s%d\n", "Grace periods", stats.GracePeriods)
	fmt.Printf("%-22s%d\n", "Synchronize calls", stats.SynchronizeCalls)
	fmt.Printf("%-22s%d\n", "Stall warnings", stats.Stalls)
	fmt.Printf("%-22s%d deferred, %d executed, %d failed\n", "Callbacks", stats.CallbacksDeferred, stats.CallbacksExecuted, stats.CallbacksFailed)
	fmt.Printf("%-22s%d\n", "Violations", res.Violations)
}
