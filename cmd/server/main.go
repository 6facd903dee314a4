package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"geodelivery/api/internal/api"
	"geodelivery/api/internal/config"
	"geodelivery/api/internal/models"
	"geodelivery/api/internal/storage"
	"geodelivery/api/internal/validation"
	"geodelivery/api/internal/validator"
	"geodelivery/api/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	dsn := cfg.Database.URL
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=geodelivery port=5432 sslmode=disable"
	}

	dbLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: dbLogger})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := models.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	storages, local, err := buildStorages(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defaultKind := storage.Kind(cfg.Storage.Backend)

	validators := validator.NewRegistry(logger)
	if cfg.Interlis.BaseURL != "" {
		validators.Register(validator.NewInterlisValidator(
			cfg.Interlis.BaseURL,
			logger,
			validator.WithPollInterval(time.Duration(cfg.Interlis.PollIntervalSeconds)*time.Second),
			validator.WithMaxPolls(cfg.Interlis.MaxPolls),
		))
	} else {
		logger.Warn().Msg("no INTERLIS service configured, only unvalidatable uploads will be accepted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	presignTTL := time.Duration(cfg.Storage.PresignTTLSeconds) * time.Second
	jobs := validation.NewJobService(db, storages, defaultKind, presignTTL, logger)
	reconciler := validation.NewScanReconciler(db, storages, logger)
	dispatcher := validation.NewDispatcher(db, storages, validators, logger)
	runner := validation.NewRunner(db, reconciler, dispatcher, hub,
		time.Duration(cfg.Runner.PollIntervalSeconds)*time.Second, logger)
	go runner.Run(ctx)

	router := api.NewRouter(jobs, local, hub, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
}

// buildStorages registers every configured backend. The backend named in
// storage.backend receives new uploads; the others stay available so files
// recorded against them remain downloadable.
func buildStorages(cfg *config.Config) (*storage.Registry, *storage.LocalBackend, error) {
	registry := storage.NewRegistry()

	var local *storage.LocalBackend
	if cfg.Storage.Local.Path != "" {
		var err error
		local, err = storage.NewLocalBackend(cfg.Storage.Local.Path, cfg.Server.BaseURL, cfg.Storage.Local.TokenSecret)
		if err != nil {
			return nil, nil, err
		}
		registry.Register(local)
	}

	if cfg.Storage.Azure.Account != "" {
		azure, err := storage.NewAzureBackend(storage.AzureOptions{
			Account:   cfg.Storage.Azure.Account,
			Key:       cfg.Storage.Azure.Key,
			Container: cfg.Storage.Azure.Container,
		})
		if err != nil {
			return nil, nil, err
		}
		registry.Register(azure)
	}

	if cfg.Storage.S3.Bucket != "" {
		s3, err := storage.NewS3Backend(context.Background(), storage.S3Options{
			Bucket: cfg.Storage.S3.Bucket,
			Prefix: cfg.Storage.S3.Prefix,
			Region: cfg.Storage.S3.Region,
		})
		if err != nil {
			return nil, nil, err
		}
		registry.Register(s3)
	}

	if cfg.Storage.SFTP.Host != "" {
		sftp, err := storage.NewSFTPBackend(storage.SFTPOptions{
			Host:     cfg.Storage.SFTP.Host,
			Port:     cfg.Storage.SFTP.Port,
			User:     cfg.Storage.SFTP.User,
			Password: cfg.Storage.SFTP.Password,
			KeyPath:  cfg.Storage.SFTP.KeyPath,
			BaseDir:  cfg.Storage.SFTP.BaseDir,
		})
		if err != nil {
			return nil, nil, err
		}
		registry.Register(sftp)
	}

	if _, err := registry.Get(storage.Kind(cfg.Storage.Backend)); err != nil {
		return nil, nil, fmt.Errorf("configured storage backend %q is not initialized: %w", cfg.Storage.Backend, err)
	}
	return registry, local, nil
}
