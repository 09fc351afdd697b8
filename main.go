package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JasonTeixeira/Cloudmind-sub002/collab"
	"github.com/JasonTeixeira/Cloudmind-sub002/config"
	"github.com/JasonTeixeira/Cloudmind-sub002/server"
	"github.com/JasonTeixeira/Cloudmind-sub002/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cloudmind-collab",
	Short: "Real-time collaborative editing server",
	Long: `cloudmind-collab synchronizes concurrent edits on shared documents.
Clients connect over WebSocket, join a session per document, and receive
every accepted mutation, cursor move and selection change as it happens.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collaboration server",
	RunE:  runServe,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./cloudmind.yaml)")

	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().String("store", "memory", "content store backend (memory, bolt, postgres, redis, firestore)")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("log_level", serveCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("store.backend", serveCmd.Flags().Lookup("store"))

	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	config.SetDefaults()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cloudmind")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cloudmind")
	}
	config.BindEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
			os.Exit(1)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(ctx, log, cfg)
	if err != nil {
		return err
	}

	mgr := collab.NewManager(log, st,
		collab.WithIdleTimeout(cfg.Session.IdleTimeout),
		collab.WithSweepInterval(cfg.Session.SweepInterval),
		collab.WithPersistTimeout(cfg.Session.PersistTimeout),
	)
	go mgr.Run(ctx)

	handler := server.NewHandler(log, mgr, st, server.Options{
		SendQueueSize:  cfg.Transport.SendQueueSize,
		RateLimit:      cfg.Transport.RateLimit,
		RateWindow:     cfg.Transport.RateWindow,
		AllowedOrigins: cfg.Transport.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start", "addr", cfg.Addr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.fail", "err", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error("manager.close.fail", "err", err)
	}
	if err := st.Close(); err != nil {
		log.Error("store.close.fail", "err", err)
	}
	return nil
}

// buildStore opens the configured backend, optionally wrapped with the
// write-behind cache.
func buildStore(ctx context.Context, log *slog.Logger, cfg *config.Config) (store.ContentStore, error) {
	base, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Store.CacheWrites && cfg.Store.Backend != "memory" {
		return store.NewCachedStore(log, base, cfg.Store.FlushInterval), nil
	}
	return base, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (store.ContentStore, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "bolt":
		return store.OpenBolt(cfg.Store.BoltPath)
	case "postgres":
		ps, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		return ps, nil
	case "redis":
		return store.OpenRedis(ctx, cfg.Store.RedisAddr)
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Store.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("connect firestore: %w", err)
		}
		return store.NewFirestoreStore(client), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
