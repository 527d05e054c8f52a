// Command server runs the querydeck HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"querydeck/internal/api"
	"querydeck/internal/app"
	"querydeck/internal/config"
	internaldb "querydeck/internal/db"
	"querydeck/internal/db/crypto"
	"querydeck/internal/db/repository"
	"querydeck/internal/declarative"
)

func main() {
	os.Exit(run())
}

func run() int {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "querydeck",
		Short:         "querydeck query compilation and execution server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(envFile)
		},
	}
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file loaded before the environment")

	var applyFile string
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a declarative semantic-layer YAML file to the metastore",
		RunE: func(_ *cobra.Command, _ []string) error {
			return apply(envFile, applyFile)
		},
	}
	applyCmd.Flags().StringVarP(&applyFile, "file", "f", "", "path to the semantic-layer YAML file")
	_ = applyCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(applyCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("server exited", "error", err)
		return 1
	}
	return 0
}

func apply(envFile, path string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		slog.Warn("could not load env file", "path", envFile, "error", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	writeDB, readDB, err := internaldb.OpenMetastorePair(cfg.MetaDBPath, 4)
	if err != nil {
		return err
	}
	defer writeDB.Close()
	defer readDB.Close()
	if err := internaldb.RunMigrations(writeDB); err != nil {
		return err
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	applier := declarative.NewApplier(
		repository.NewDatabaseRepo(writeDB, readDB, encryptor),
		repository.NewDatasetRepo(writeDB, readDB),
		repository.NewRLSRepo(writeDB, readDB),
		logger,
	)

	file, err := declarative.Load(path)
	if err != nil {
		return err
	}
	return applier.Apply(context.Background(), file)
}

func serve(envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		slog.Warn("could not load env file", "path", envFile, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	writeDB, readDB, err := internaldb.OpenMetastorePair(cfg.MetaDBPath, 4)
	if err != nil {
		return err
	}
	defer writeDB.Close()
	defer readDB.Close()

	logger.Info("running metastore migrations", "path", cfg.MetaDBPath)
	if err := internaldb.RunMigrations(writeDB); err != nil {
		return err
	}

	application, err := app.New(app.Deps{
		Cfg:     cfg,
		WriteDB: writeDB,
		ReadDB:  readDB,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer application.Registry.Close()

	if err := application.Janitor.Start(); err != nil {
		return err
	}
	defer application.Janitor.Stop()

	router := application.Handler.Router(api.RouterConfig{
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
