package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/config"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/diagnosis"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/mcp"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vecserver"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/version"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/web"
)

// v holds flag bindings; config.LoadWith layers file and environment
// values underneath them.
var v = viper.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "diagnostico",
	Short:   "Symptom-to-diagnosis assistant for rare diseases",
	Version: version.Full(),
	Long: `diagnostico retrieves the rare diseases whose symptoms best match a
free-text description and asks a language model for a differential
diagnosis grounded in those records.

It keeps a resilient session to the vector store, probing candidate
endpoints, retrying with backoff and recovering from server restarts.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("diagnostico %s\n", version.Version)
		fmt.Printf("  commit:  %s\n", version.Commit)
		fmt.Printf("  built:   %s\n", version.Date)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the diagnosis API",
	Long: `Start the HTTP API. Initialization of the vector store, the disease
collection and the embedding model runs in the background; /health and
/status report its progress and /diagnose answers 503 until it completes.`,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	RunE:  runMCP,
}

var vecstoreCmd = &cobra.Command{
	Use:   "vecstore",
	Short: "Development vector store",
}

var vecstoreServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local vector store server",
	Long: `Run a vector store that speaks the REST protocol used by diagnostico,
backed by an embedded engine. Each start gets a new server identity, so
restarting it exercises session recovery in connected clients.`,
	RunE: runVecstoreServe,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check TCP reachability of every vector store endpoint",
	RunE:  runProbe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Connect to the vector store once and report every attempt",
	RunE:  runCheck,
}

var importCmd = &cobra.Command{
	Use:   "import [file.json]",
	Short: "Embed and insert disease records",
	Long: `Import disease records from a JSON array of objects with code, name,
symptoms and description. Use --sample to load the built-in records.
With --watch the file is imported again every time it is saved.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage diagnostico configuration",
	Long: `View and manage diagnostico configuration.

Subcommands:
  show    Show the resolved configuration
  init    Write a default configuration file`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	Long: `Display the configuration resolved from all sources.

Sources, highest priority first:
1. Command flags
2. Environment variables (DIAGNOSTICO_* and the documented plain names)
3. The file given with --config, or ./diagnostico.yaml, or ~/.diagnostico/diagnostico.yaml
4. Built-in defaults`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

func init() {
	rootCmd.SetVersionTemplate("diagnostico version {{.Version}}\n")

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	serveCmd.Flags().IntP("port", "p", 8000, "server port")
	serveCmd.Flags().String("host", "0.0.0.0", "server host")
	_ = v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))

	vecstoreServeCmd.Flags().Int("port", 19530, "server port")
	vecstoreServeCmd.Flags().String("data-dir", "", "data directory")
	_ = v.BindPFlag("vecserver.port", vecstoreServeCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("vecserver.data_dir", vecstoreServeCmd.Flags().Lookup("data-dir"))

	checkCmd.Flags().StringP("format", "f", "default", "output format (default, json)")
	importCmd.Flags().Bool("sample", false, "import the built-in sample records")
	importCmd.Flags().BoolP("watch", "w", false, "keep running and re-import the file whenever it changes")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	vecstoreCmd.AddCommand(vecstoreServeCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(vecstoreCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(configCmd)
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	doctors, err := a.openAccounts()
	if err != nil {
		return err
	}
	defer doctors.Close()

	ctx, cancel := signalContext()
	defer cancel()

	server := web.NewServer(web.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Service:        a.service,
		Doctors:        doctors,
		Metrics:        a.metrics,
		MetricsHandler: a.metrics.Handler(),
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		RequestTimeout: 2 * cfg.LLM.Timeout,
		Logger:         a.log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		err := a.service.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	a.close(context.Background())
	return err
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := a.service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.ErrorContext(ctx, "initialization stopped", "error", err)
		}
	}()
	defer a.close(context.Background())

	return mcp.NewServer(a.service).Run(ctx)
}

func runVecstoreServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	store, err := vecserver.OpenStore(cfg.VecServer.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	server := vecserver.NewServer(store, vecserver.ServerConfig{
		Host:   cfg.VecServer.Host,
		Port:   cfg.VecServer.Port,
		Logger: log,
	})
	log.Info("vector store starting",
		"data_dir", cfg.VecServer.DataDir,
		"server_id", server.ID(),
	)
	return server.ListenAndServe(ctx)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	prober := vectorstore.NewProber(vectorstore.ProberConfig{
		Timeout: cfg.VectorStore.ProbeTimeout,
		Logger:  newLogger(cfg),
	})

	ctx, cancel := signalContext()
	defer cancel()

	endpoints := append([]vectorstore.Endpoint{cfg.VectorStore.Primary()}, cfg.VectorStore.Alternates()...)
	ranking := prober.Rank(ctx, endpoints)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tREACHABLE")
	for _, e := range ranking.Available {
		fmt.Fprintf(w, "%s\tyes\n", e)
	}
	for _, e := range ranking.Unavailable {
		fmt.Fprintf(w, "%s\tno\n", e)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(ranking.Available) == 0 {
		return errors.New("no vector store endpoint is reachable")
	}
	return nil
}

// CheckOutput is the JSON output of the check command.
type CheckOutput struct {
	Connected bool                  `json:"connected"`
	Endpoint  *vectorstore.Endpoint `json:"endpoint,omitempty"`
	Attempts  []AttemptOutput       `json:"attempts"`
	Error     string                `json:"error,omitempty"`
}

// AttemptOutput is one connection attempt in CheckOutput.
type AttemptOutput struct {
	Endpoint string `json:"endpoint"`
	Attempt  int    `json:"attempt"`
	Kind     string `json:"kind,omitempty"`
	Elapsed  string `json:"elapsed"`
	Error    string `json:"error,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	manager := newManager(cfg, log, metrics.Noop{})

	ctx, cancel := signalContext()
	defer cancel()

	connErr := manager.EnsureConnected(ctx)
	defer func() { _ = manager.Disconnect(context.Background()) }()

	out := CheckOutput{Connected: connErr == nil}
	attempts := manager.Status().Attempts
	var exhausted *vectorstore.ExhaustedError
	if errors.As(connErr, &exhausted) {
		attempts = exhausted.Attempts
	}
	if connErr == nil {
		out.Endpoint = manager.Status().Endpoint
	} else {
		out.Error = connErr.Error()
	}
	for _, a := range attempts {
		ao := AttemptOutput{
			Endpoint: a.Endpoint.String(),
			Attempt:  a.Number,
			Kind:     string(a.Kind),
			Elapsed:  a.Elapsed.String(),
		}
		if a.Err != nil {
			ao.Error = a.Err.Error()
		}
		out.Attempts = append(out.Attempts, ao)
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printCheck(out)
	}

	if connErr != nil {
		return fmt.Errorf("vector store unavailable: %w", connErr)
	}
	return nil
}

func printCheck(out CheckOutput) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tATTEMPT\tELAPSED\tRESULT")
	for _, a := range out.Attempts {
		result := "ok"
		if a.Error != "" {
			result = a.Kind + ": " + a.Error
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", a.Endpoint, a.Attempt, a.Elapsed, result)
	}
	_ = w.Flush()

	if out.Connected {
		fmt.Printf("\nConnected to %s\n", out.Endpoint)
	} else {
		fmt.Printf("\nConnection failed: %s\n", out.Error)
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	sample, _ := cmd.Flags().GetBool("sample")
	watch, _ := cmd.Flags().GetBool("watch")
	if sample == (len(args) == 1) {
		return errors.New("give either a JSON file or --sample")
	}
	if watch && sample {
		return errors.New("--watch needs a JSON file")
	}

	var records []diagnosis.Record
	if sample {
		records = diagnosis.SampleRecords()
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open records: %w", err)
		}
		records, err = diagnosis.ReadRecords(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.service.Init(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	n, err := a.service.Import(ctx, records)
	if err != nil {
		return fmt.Errorf("import failed after %d records: %w", n, err)
	}
	fmt.Printf("Imported %d records into %s\n", n, cfg.VectorStore.Collection)

	if !watch {
		return nil
	}
	err = a.service.WatchFile(ctx, args[0], diagnosis.DefaultWatchDebounce, func(n int, err error) {
		if err == nil {
			fmt.Printf("Re-imported %d records from %s\n", n, args[0])
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWith(v, v.GetString("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	if cfg.File != "" {
		fmt.Printf("# %s\n", cfg.File)
	}
	fmt.Print(string(data))

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "\nwarning: configuration is invalid: %v\n", err)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultConfigName + ".yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
