package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/config"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/server"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/service"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "memd",
	Short: "memd - cross-project conversational memory service",
	Long: `memd captures chat transcripts, compresses them into durable memory
units, and serves token-budgeted context back to any project.

Conversations land in sqlite; an LLM distills them into searchable units
indexed in a vector store. Retrieval is hybrid (semantic plus keyword)
with optional reranking.

Run "memd serve" for the stdio JSON-RPC interface or "memd http" for the
REST API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// buildService loads configuration and wires the full pipeline.
func buildService() (*service.Service, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	svc, err := service.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve JSON-RPC over stdio",
	Long: `Reads line-delimited JSON-RPC 2.0 requests from stdin and writes
responses to stdout. This is the integration surface for editors and
agent harnesses; logs go to files under the state directory, never to
stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, cfg, err := buildService()
		if err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop()

		logger.Info("stdio server ready", zap.String("state_dir", cfg.StateDir))
		stdio := server.NewStdio(svc, cfg.Project.SystemPrincipal)
		return stdio.Serve(ctx, os.Stdin, os.Stdout)
	},
}

var httpAddr string

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Serve the REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, cfg, err := buildService()
		if err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop()

		h := server.NewHTTP(svc, cfg.Project.SystemPrincipal)
		logger.Info("http server ready", zap.String("addr", httpAddr))

		errCh := make(chan error, 1)
		go func() { errCh <- h.ListenAndServe(httpAddr) }()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a health snapshot and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, _, err := buildService()
		if err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop()

		health := svc.Health(ctx)
		out, err := json.MarshalIndent(health, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if health.Status != "healthy" {
			os.Exit(1)
		}
		return nil
	},
}

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Compress pending conversations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, cfg, err := buildService()
		if err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop()

		n, err := svc.CompressPending(ctx, cfg.Project.SystemPrincipal, 64)
		if err != nil {
			return err
		}
		logger.Info("compression sweep complete", zap.Int("compressed", n))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: built-in defaults plus env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	httpCmd.Flags().StringVar(&httpAddr, "addr", ":8921", "listen address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(compressCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
