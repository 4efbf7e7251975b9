package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/config"
	"github.com/chemflow/chemflow/pkg/fetch"
	"github.com/chemflow/chemflow/pkg/manager"
	"github.com/chemflow/chemflow/pkg/query"
	"github.com/chemflow/chemflow/pkg/tui"
)

// Command flags
var (
	tagFlag         string
	categoryFlag    string
	forceFlag       bool
	refreshFlag     bool
	forceFetchFlag  bool
	failOnError     bool
	chunkSizeFlag   int
	compressionFlag string

	queryColumns string
	queryWhere   string
	queryLimit   int

	mirrorParquet bool

	saveConfig bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog datasets",
	Long: `List the datasets in the built-in catalog.

Examples:
  chemflow list
  chemflow list --tag moleculenet
  chemflow list --category bioactivity --json`,
	RunE: runList,
}

var infoCmd = &cobra.Command{
	Use:   "info <dataset>",
	Short: "Show details for one dataset",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <dataset>...",
	Short: "Download datasets into the raw cache",
	Long: `Download one or more datasets into the local raw cache. Cached
copies are reused unless --force or --refresh is given.

Examples:
  chemflow fetch esol
  chemflow fetch esol freesolv lipophilicity
  chemflow fetch chembl_activities --refresh`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

var materializeCmd = &cobra.Command{
	Use:   "materialize <dataset>...",
	Short: "Fetch datasets and convert them to parquet",
	Long: `Fetch datasets if needed and convert the raw files to chunked
Apache Parquet with a manifest.

Examples:
  chemflow materialize esol
  chemflow materialize esol --chunk-size 10000 --compression zstd
  chemflow materialize bace --force`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMaterialize,
}

var materializeAllCmd = &cobra.Command{
	Use:   "materialize-all",
	Short: "Materialize every dataset, optionally filtered by tag",
	Long: `Run the fetch and materialize pipeline for the whole catalog.

Examples:
  chemflow materialize-all --tag moleculenet
  chemflow materialize-all --tag zinc --chunk-size 10000`,
	RunE: runMaterializeAll,
}

var validateCmd = &cobra.Command{
	Use:     "validate-sources [dataset]...",
	Aliases: []string{"validate"},
	Short:   "Probe dataset sources for reachability",
	Long: `Check that dataset sources respond without downloading them. With
no arguments the whole catalog is probed.

Examples:
  chemflow validate-sources
  chemflow validate-sources esol chembl_activities
  chemflow validate-sources --tag zinc --fail-on-error`,
	RunE: runValidate,
}

var queryCmd = &cobra.Command{
	Use:   "query <dataset>",
	Short: "Run SQL over a materialized dataset",
	Long: `Query the parquet parts of a dataset with DuckDB. Datasets that are
not materialized yet are fetched and materialized first.

Examples:
  chemflow query esol --limit 10
  chemflow query esol --columns smiles,logS --where "logS < -2"
  chemflow query chembl_activities --limit 5 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Replicate cache artifacts to or from S3",
}

var mirrorPushCmd = &cobra.Command{
	Use:   "push <dataset>...",
	Short: "Upload cached datasets to the S3 mirror",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMirrorPush,
}

var mirrorPullCmd = &cobra.Command{
	Use:   "pull <dataset>...",
	Short: "Download cached datasets from the S3 mirror",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMirrorPull,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  runConfig,
}

func init() {
	listCmd.Flags().StringVar(&tagFlag, "tag", "", "filter by tag")
	listCmd.Flags().StringVar(&categoryFlag, "category", "", "filter by category")

	fetchCmd.Flags().BoolVar(&forceFlag, "force", false, "re-download even when cached")
	fetchCmd.Flags().BoolVar(&refreshFlag, "refresh", false, "revalidate cached copies against the source")

	for _, cmd := range []*cobra.Command{materializeCmd, materializeAllCmd} {
		cmd.Flags().BoolVar(&forceFlag, "force", false, "re-materialize even when the manifest matches")
		cmd.Flags().BoolVar(&refreshFlag, "refresh", false, "revalidate the raw file against the source")
		cmd.Flags().BoolVar(&forceFetchFlag, "force-fetch", false, "re-download the raw file first")
		cmd.Flags().IntVar(&chunkSizeFlag, "chunk-size", 0, "rows per parquet part")
		cmd.Flags().StringVar(&compressionFlag, "compression", "", "parquet codec (snappy, gzip, zstd, lz4, none)")
	}
	materializeAllCmd.Flags().StringVar(&tagFlag, "tag", "", "restrict to datasets with this tag")

	validateCmd.Flags().StringVar(&tagFlag, "tag", "", "restrict to datasets with this tag")
	validateCmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "exit non-zero when any source is unreachable")

	queryCmd.Flags().StringVar(&queryColumns, "columns", "", "comma-separated projection")
	queryCmd.Flags().StringVar(&queryWhere, "where", "", "SQL predicate for the WHERE clause")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum rows to return")

	mirrorCmd.PersistentFlags().BoolVar(&mirrorParquet, "parquet", false, "include parquet parts and manifest")
	mirrorCmd.AddCommand(mirrorPushCmd, mirrorPullCmd)

	configCmd.Flags().BoolVar(&saveConfig, "save", false, "write the effective config to the user config file")

	rootCmd.AddCommand(listCmd, infoCmd, fetchCmd, materializeCmd, materializeAllCmd,
		validateCmd, queryCmd, mirrorCmd, configCmd)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, _, err := buildManager(cfg)
	if err != nil {
		return err
	}

	datasets := m.List(tagFlag, categoryFlag)
	if jsonOutput {
		snapshots := make([]interface{}, len(datasets))
		for i, d := range datasets {
			snapshots[i] = d.MetadataSnapshot()
		}
		return printJSON(snapshots)
	}
	tui.PrintDatasetList(datasets)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, _, err := buildManager(cfg)
	if err != nil {
		return err
	}

	d, err := m.Describe(args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(d.MetadataSnapshot())
	}
	tui.PrintDatasetDetail(d)
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, _, err := buildManager(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	outcomes := m.FetchMany(ctx, args, fetch.Options{Force: forceFlag, Refresh: refreshFlag})
	if jsonOutput {
		if err := printJSON(outcomes); err != nil {
			return err
		}
		return failedCount(countFetchFailures(outcomes))
	}

	failed := 0
	for _, oc := range outcomes {
		if oc.Err != nil {
			failed++
			tui.PrintFailure(oc.DatasetID, oc.Err)
			continue
		}
		tui.PrintFetchResult(oc.Result)
	}
	return failedCount(failed)
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	return materializeDatasets(args, "")
}

func runMaterializeAll(cmd *cobra.Command, args []string) error {
	return materializeDatasets(nil, tagFlag)
}

func materializeDatasets(ids []string, tag string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, _, err := buildManager(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := manager.MaterializeOptions{
		Force:       forceFlag,
		ForceFetch:  forceFetchFlag,
		Refresh:     refreshFlag,
		ChunkSize:   chunkSizeFlag,
		Compression: compressionFlag,
	}

	start := time.Now()
	var outcomes []manager.MaterializeOutcome
	if len(ids) > 0 {
		outcomes = m.MaterializeMany(ctx, ids, opts)
	} else {
		outcomes = m.MaterializeAll(ctx, tag, opts)
	}

	if jsonOutput {
		if err := printJSON(outcomes); err != nil {
			return err
		}
		return failedCount(countMaterializeFailures(outcomes))
	}

	elapsed := time.Since(start)
	failed := 0
	for _, oc := range outcomes {
		if oc.Err != nil {
			failed++
			tui.PrintFailure(oc.DatasetID, oc.Err)
			continue
		}
		tui.PrintMaterializeResult(oc.Result, elapsed)
	}
	return failedCount(failed)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, _, err := buildManager(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	results, err := m.ValidateSources(ctx, args, tagFlag)
	if err != nil {
		return err
	}

	unreachable := 0
	for _, res := range results {
		if !res.OK {
			unreachable++
		}
	}

	if jsonOutput {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		tui.PrintValidationResults(results)
	}
	if failOnError && unreachable > 0 {
		return fmt.Errorf("%d sources unreachable", unreachable)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, backend, err := buildManager(cfg)
	if err != nil {
		return err
	}

	d, err := m.Describe(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Materializes on first use, otherwise hits the manifest cache.
	if _, err := m.Materialize(ctx, d.ID, manager.MaterializeOptions{}); err != nil {
		return err
	}

	engine, err := query.New(backend)
	if err != nil {
		return err
	}
	defer engine.Close()

	opts := query.Options{Filter: queryWhere, Limit: queryLimit}
	if queryColumns != "" {
		for _, col := range strings.Split(queryColumns, ",") {
			opts.Columns = append(opts.Columns, strings.TrimSpace(col))
		}
	}

	res, err := engine.QueryDataset(ctx, d, opts)
	if err != nil {
		return err
	}
	columns := res.Columns()
	rows, err := res.ToMaps()
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(rows)
	}
	tui.PrintQueryRows(columns, rows)
	return nil
}

func runMirrorPush(cmd *cobra.Command, args []string) error {
	return runMirror(args, true)
}

func runMirrorPull(cmd *cobra.Command, args []string) error {
	return runMirror(args, false)
}

func runMirror(ids []string, push bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Cache.S3.Bucket == "" {
		return fmt.Errorf("no S3 bucket configured (set cache.s3.bucket)")
	}
	m, backend, err := buildManager(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	s3cfg := cache.DefaultS3Config(cfg.Cache.S3.Bucket)
	s3cfg.Prefix = cfg.Cache.S3.Prefix
	if cfg.Cache.S3.Region != "" {
		s3cfg.Region = cfg.Cache.S3.Region
	}
	s3cfg.Endpoint = cfg.Cache.S3.Endpoint
	s3cfg.AccessKeyID = cfg.Cache.S3.AccessKey
	s3cfg.SecretAccessKey = cfg.Cache.S3.SecretKey

	mirror, err := cache.NewS3Mirror(ctx, s3cfg, backend)
	if err != nil {
		return err
	}

	for _, id := range ids {
		d, err := m.Describe(id)
		if err != nil {
			return err
		}
		if push {
			if err := mirror.PushDataset(ctx, d); err != nil {
				return err
			}
			if mirrorParquet {
				if err := mirror.PushParquet(ctx, d); err != nil {
					return err
				}
			}
			fmt.Printf("  pushed %s\n", id)
			continue
		}
		if err := mirror.PullDataset(ctx, d); err != nil {
			return err
		}
		fmt.Printf("  pulled %s\n", id)
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	mgr := config.Global()
	if err := mgr.Load(); err != nil {
		return err
	}
	cfg := mgr.Get()
	if cacheRootFlag != "" {
		cfg.Cache.Root = cacheRootFlag
	}

	if saveConfig {
		if err := mgr.Save(); err != nil {
			return err
		}
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"cache_root": cfg.CacheRoot(),
			"config":     cfg,
			"paths":      mgr.GetPaths(),
		})
	}
	fmt.Printf("cache root: %s\n", cfg.CacheRoot())
	for _, path := range mgr.GetPaths() {
		fmt.Printf("loaded: %s\n", path)
	}
	return nil
}

// failedCount turns batch failures into a non-zero exit.
func failedCount(n int) error {
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%d datasets failed", n)
}

func countFetchFailures(outcomes []manager.FetchOutcome) int {
	n := 0
	for _, oc := range outcomes {
		if oc.Err != nil {
			n++
		}
	}
	return n
}

func countMaterializeFailures(outcomes []manager.MaterializeOutcome) int {
	n := 0
	for _, oc := range outcomes {
		if oc.Err != nil {
			n++
		}
	}
	return n
}
