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

	"github.com/spf13/cobra"

	"carenote/api/internal/app"
	"carenote/api/internal/auth"
	"carenote/api/internal/collab"
	"carenote/api/internal/config"
	"carenote/api/internal/gate"
	"carenote/api/internal/persist"
	"carenote/api/internal/session"
	"carenote/api/internal/store"
	"carenote/api/internal/util"
	"carenote/api/internal/versions"
)

var (
	rootCmd = &cobra.Command{
		Use:          "carenote-api",
		Short:        "Collaborative care note sync server",
		SilenceUsage: true,
		RunE:         runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and live session server",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE:  runMigrate,
	}
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer credential",
		RunE:  runToken,
	}

	tokenSub  string
	tokenName string
	tokenRole string
	tokenTTL  time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSub, "sub", "", "Profile id the credential identifies")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name carried in the credential")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "clinician", "Role (clinician, staff, patient, admin)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "Credential lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")

	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	dataStore, err := store.Connect(ctx, store.Options{
		Driver:      cfg.StorageDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Migrate:     true,
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer dataStore.Close()

	var historyOpts []versions.Option
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := versions.NewMinioArchive(ctx, versions.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("snapshot archive: %w", err)
		}
		logger.Info("mirroring version snapshots", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
		historyOpts = append(historyOpts, versions.WithArchive(archive))
	}

	var relay collab.Relay
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisRelay, err := session.NewRedisRelay(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisRelay.Close()
		logger.Info("relaying note sessions through redis")
		relay = redisRelay
	} else {
		logger.Info("running single-instance; REDIS_URL not set")
	}

	adapter := persist.New(dataStore, logger.With("component", "persist"), cfg.PersistTimeout)
	history := versions.New(dataStore, logger.With("component", "versions"), cfg.SnapshotInterval, historyOpts...)
	manager := collab.NewManager(adapter, history, logger.With("component", "collab"), collab.Options{
		SaveDebounce:   cfg.SaveDebounce,
		SaveCeiling:    cfg.SaveCeiling,
		PersistTimeout: cfg.PersistTimeout,
		Relay:          relay,
		InstanceID:     util.NewID("inst"),
	})
	noteGate := gate.New([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.SessionNamespace, dataStore, cfg.AuthTimeout)

	service := app.New(cfg, app.Deps{
		Gate:     noteGate,
		Persist:  adapter,
		Versions: history,
		Sessions: manager,
		DB:       dataStore,
		Logger:   logger,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carenote API listening", "addr", cfg.Addr, "storage", cfg.StorageDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	if err := manager.Flush(shutdownCtx); err != nil {
		logger.Error("flush on shutdown failed", "error", err)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dataStore, err := store.Connect(cmd.Context(), store.Options{
		Driver:      cfg.StorageDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Migrate:     true,
	})
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	defer dataStore.Close()
	version, err := dataStore.SchemaVersion(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "storage", cfg.StorageDriver, "version", version)
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	name := tokenName
	if name == "" {
		name = tokenSub
	}
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), cfg.JWTIssuer, auth.Claims{
		Sub:  tokenSub,
		Name: name,
		Role: tokenRole,
		JTI:  util.NewID("jti"),
		Exp:  time.Now().Add(tokenTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
