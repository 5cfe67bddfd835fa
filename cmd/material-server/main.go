// cmd/material-server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gammanik/material-store/internal/api"
	"github.com/Gammanik/material-store/internal/config"
	"github.com/Gammanik/material-store/internal/logging"
	"github.com/Gammanik/material-store/internal/material"
	"github.com/Gammanik/material-store/internal/metastore"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Infof("Config loaded:%s", cfg)

	// Создаем директорию для хранения данных
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Инициализируем хранилище метаданных
	repo, err := openMetaStore(cfg, log)
	if err != nil {
		log.Fatalf("Failed to open metastore: %v", err)
	}
	defer repo.Close()

	store, err := material.NewStore(repo, cfg.DataDir, log, material.Options{
		RenameToHash: cfg.RenameToHash,
		ChunkSize:    cfg.ChunkSize,
	})
	if err != nil {
		log.Fatalf("Failed to open material store: %v", err)
	}

	handler := &api.MaterialHandler{
		Store:     store,
		Log:       log,
		ChunkSize: cfg.ChunkSize,
	}

	// Настраиваем и запускаем HTTP сервер
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.AppPort),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 300 * time.Second,
	}

	go func() {
		log.Infof("Material server starting on :%d (root %s, metastore %s)", cfg.AppPort, store.Root(), cfg.MetaBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Graceful shutdown failed: %v", err)
	}
	log.Info("Material server stopped")
}

func openMetaStore(cfg *config.Config, log logrus.FieldLogger) (metastore.MetaStore, error) {
	switch cfg.MetaBackend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metastore.NewRedisStore(ctx, metastore.RedisConfig{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
		}, log)
	default:
		return metastore.NewBoltStore(cfg.MetaDBPath)
	}
}
