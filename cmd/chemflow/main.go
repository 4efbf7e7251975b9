// Chemflow - dataset fetch and materialization for drug discovery.
// Downloads catalog datasets, caches raw files, and converts them to
// Apache Parquet.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/config"
	"github.com/chemflow/chemflow/pkg/fetch"
	"github.com/chemflow/chemflow/pkg/manager"
	"github.com/chemflow/chemflow/pkg/materialize"
	"github.com/chemflow/chemflow/pkg/tui"
	"github.com/chemflow/chemflow/pkg/validate"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	cacheRootFlag string
	jsonOutput    bool
	verbose       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chemflow",
	Short: "Chemflow - Fetch and materialize drug discovery datasets",
	Long: `Chemflow manages a catalog of public drug discovery datasets (ZINC,
MoleculeNet, ChEMBL, UniProt). It downloads raw files into a local
cache, converts them to chunked Apache Parquet, and lets you query the
results with SQL.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cacheRootFlag, "cache-root", "", "cache directory (default $CHEMFLOW_HOME or ~/.cache/chemflow)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print per-stage progress to stderr")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	return ctx, cancel
}

// loadConfig loads the layered configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	mgr := config.Global()
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	if cacheRootFlag != "" {
		cfg.Cache.Root = cacheRootFlag
	}
	return cfg, nil
}

// buildManager assembles the pipeline from configuration.
func buildManager(cfg *config.Config) (*manager.Manager, cache.Backend, error) {
	backend := cache.New(cfg.CacheRoot())
	if err := backend.Ensure(); err != nil {
		return nil, nil, err
	}

	fetchOpts := []fetch.Option{
		fetch.WithHTTPClient(http.DefaultClient),
		fetch.WithTimeout(cfg.Fetch.Timeout),
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
		fetch.WithConcurrency(cfg.Fetch.Concurrency),
		fetch.WithPageLimits(cfg.Fetch.MaxPages, cfg.Fetch.MaxRows),
	}
	if !jsonOutput {
		fetchOpts = append(fetchOpts, fetch.WithProgress(func(label string, total int64) io.Writer {
			return tui.ShowProgress(total, "downloading "+label)
		}))
	}
	fetcher := fetch.New(backend, fetchOpts...)
	materializer := materialize.New(backend,
		materialize.WithChunkSize(cfg.Materialize.ChunkSize),
		materialize.WithCompression(cfg.Materialize.Compression),
	)

	validateOpts := []validate.Option{
		validate.WithTimeout(cfg.Validate.Timeout),
		validate.WithConcurrency(cfg.Validate.Concurrency),
		validate.WithUserAgent(cfg.Fetch.UserAgent),
	}
	if cfg.Cache.Redis.Enabled {
		redisCfg := validate.DefaultRedisConfig(cfg.Cache.Redis.Addr)
		redisCfg.Password = cfg.Cache.Redis.Password
		redisCfg.Database = cfg.Cache.Redis.DB
		if cfg.Cache.Redis.TTL > 0 {
			redisCfg.TTL = cfg.Cache.Redis.TTL
		} else if cfg.Validate.ProbeTTL > 0 {
			redisCfg.TTL = cfg.Validate.ProbeTTL
		}
		probeCache, err := validate.NewRedisProbeCache(redisCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: probe cache unavailable: %v\n", err)
		} else {
			validateOpts = append(validateOpts, validate.WithProbeCache(probeCache))
		}
	} else {
		validateOpts = append(validateOpts,
			validate.WithProbeCache(validate.NewFileProbeCache(backend, cfg.Validate.ProbeTTL)))
	}

	m := manager.New(catalog.Default(), backend,
		manager.WithFetcher(fetcher),
		manager.WithMaterializer(materializer),
		manager.WithValidator(validate.New(validateOpts...)),
		manager.WithConcurrency(cfg.Fetch.Concurrency),
	)
	if verbose {
		m.SetEventCallback(logEvent)
	}
	return m, backend, nil
}

// logEvent prints pipeline progress lines to stderr.
func logEvent(ev manager.Event) {
	switch {
	case !ev.Done:
		fmt.Fprintf(os.Stderr, "%s %s...\n", ev.Stage, ev.DatasetID)
	case ev.Err != nil:
		fmt.Fprintf(os.Stderr, "%s %s failed: %v\n", ev.Stage, ev.DatasetID, ev.Err)
	case ev.CacheHit:
		fmt.Fprintf(os.Stderr, "%s %s: cached\n", ev.Stage, ev.DatasetID)
	case ev.Stage == manager.StageMaterialize:
		fmt.Fprintf(os.Stderr, "%s %s: %d rows\n", ev.Stage, ev.DatasetID, ev.Rows)
	case ev.Bytes > 0:
		fmt.Fprintf(os.Stderr, "%s %s: %s\n", ev.Stage, ev.DatasetID, tui.FormatBytes(ev.Bytes))
	default:
		fmt.Fprintf(os.Stderr, "%s %s: done\n", ev.Stage, ev.DatasetID)
	}
}
