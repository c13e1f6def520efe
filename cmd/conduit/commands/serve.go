package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc/metadata"

	"github.com/conduitrpc/conduit/server"
	"github.com/conduitrpc/conduit/status"
)

// serveOptions holds options for the serve command.
type serveOptions struct {
	port               int
	host               string
	decompressionLimit int
	corsOrigins        []string
	gracefulTimeout    time.Duration
	verbose            bool
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Start an echo server for transport testing",
		Long: `Start an echo server that answers every call by returning the request
payloads unchanged.

The server speaks binary gRPC (over h2c), gRPC-Web and gRPC-Web-Text on the
same port, which makes it a convenient peer for exercising clients and
proxies.

Examples:
  # Start on the default port
  conduit serve

  # Start on a specific port with verbose logging
  conduit serve --port 9090 --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 8080, "Server port")
	cmd.Flags().StringVar(&opts.host, "host", "0.0.0.0", "Server host")
	cmd.Flags().IntVar(&opts.decompressionLimit, "decompression-limit", 4*1024*1024,
		"Per-message decompressed size cap in bytes")
	cmd.Flags().StringSliceVar(&opts.corsOrigins, "cors-origins", nil,
		"CORS origin allow-list for gRPC-Web (default: any origin)")
	cmd.Flags().DurationVar(&opts.gracefulTimeout, "graceful-timeout", 10*time.Second,
		"How long to drain in-flight calls on shutdown")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging")

	return cmd
}

func runServe(opts *serveOptions) error {
	logger, err := buildLogger(opts.verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	echo := server.InvokerFunc(func(_ context.Context, call *server.CallInfo, requests [][]byte) ([][]byte, metadata.MD, *status.Status) {
		logger.Debug("echoing call",
			zap.String("path", call.Path),
			zap.Int("messages", len(requests)))
		return requests, nil, nil
	})

	cfg := server.Config{
		DecompressionLimit: opts.decompressionLimit,
	}
	if len(opts.corsOrigins) > 0 {
		cors := server.DefaultCORSConfig()
		cors.AllowedOrigins = opts.corsOrigins
		cfg.CORS = cors
	}
	handler := server.NewHandler(cfg, echo, logger)

	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("echo server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.gracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown incomplete, closing hard", zap.Error(err))
		return srv.Close()
	}
	return nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
