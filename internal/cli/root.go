package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/Lexa/internal/app"
	"github.com/markdave123-py/Lexa/internal/config"
	"github.com/markdave123-py/Lexa/internal/core/ingestion_engine"
	"github.com/markdave123-py/Lexa/internal/logger"
)

type options struct {
	workers   int
	chunkSize int
	overlap   int
	logLevel  string
	watch     bool
	debounce  time.Duration
}

// session is the application built for one command run.
type session struct {
	app    *app.App
	runner *Runner
}

// NewRootCmd builds the lexa-ingest command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	s := &session{}

	root := &cobra.Command{
		Use:           "lexa-ingest",
		Short:         "Ingest local legal documents into the Lexa index",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.open(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.IntVarP(&opts.workers, "workers", "w", 0, "files ingested in parallel (default INGEST_WORKERS)")
	flags.IntVar(&opts.chunkSize, "chunk-size", 0, "maximum chunk size in characters (default CHUNK_SIZE)")
	flags.IntVar(&opts.overlap, "overlap", 0, "characters shared by consecutive chunks (default CHUNK_OVERLAP)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (default LOG_LEVEL)")

	root.AddCommand(newDirCmd(s, opts), newManifestCmd(s))
	return root
}

func newDirCmd(s *session, opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dir <path>",
		Short: "Ingest every supported file under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer s.close()
			items, err := ScanDir(args[0])
			if err != nil {
				return err
			}
			sum := s.runner.IngestAll(cmd.Context(), items)
			sum.Print(cmd.OutOrStdout())
			if !opts.watch {
				return sum.Err()
			}
			return s.runner.Watch(cmd.Context(), args[0], opts.debounce)
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "keep running and re-ingest files when they change")
	cmd.Flags().DurationVar(&opts.debounce, "debounce", DefaultDebounce, "quiet period before a changed file is re-ingested")
	return cmd
}

func newManifestCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <file.yaml>",
		Short: "Ingest the documents listed in a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer s.close()
			items, err := LoadManifest(args[0])
			if err != nil {
				return err
			}
			sum := s.runner.IngestAll(cmd.Context(), items)
			sum.Print(cmd.OutOrStdout())
			return sum.Err()
		},
	}
}

func (s *session) open(cmd *cobra.Command, opts *options) error {
	cfg := config.LoadConfig()
	if opts.chunkSize > 0 {
		cfg.ChunkSize = opts.chunkSize
	}
	if cmd.Flags().Changed("overlap") {
		cfg.ChunkOverlap = opts.overlap
	}
	if opts.workers > 0 {
		cfg.IngestWorkers = opts.workers
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	slog.SetDefault(log)
	if cfg.VectorBackend == "memory" {
		log.Warn("VECTOR_BACKEND=memory, the index is discarded when this command exits")
	}

	a, err := app.NewApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	s.app = a
	s.runner = &Runner{
		Service:   a.Service,
		Extractor: ingestion_engine.NewDocconvExtractor(false),
		Workers:   cfg.IngestWorkers,
		Log:       log,
	}
	return nil
}

// close releases the backends opened by open. It runs even when the command fails.
func (s *session) close() {
	if s.app == nil {
		return
	}
	if err := s.app.Close(); err != nil {
		slog.Warn("close backends", "err", err)
	}
	s.app = nil
}

// Execute runs the command tree until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
