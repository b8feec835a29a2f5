// cmd/server is the entrypoint for the replicated KV store.
//
// All replica nodes live inside this one process, each backed by its
// own sqlite file under the configured data directory. Configuration
// comes from a JSON file that is created with defaults on first run:
//
//	./server --config config/config.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"replicated-kvstore/internal/api"
	"replicated-kvstore/internal/cluster"
	"replicated-kvstore/internal/config"
)

func main() {
	configPath := flag.String("config", "config/config.json", "Path to the JSON config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}

	strategy, err := cluster.ParseStrategy(cfg.Strategy)
	if err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}

	manager, err := cluster.NewManager(
		cfg.NodesDB, cfg.Port, cfg.DataDir, strategy, cfg.ReplicationFactor)
	if err != nil {
		logrus.Fatalf("create replication manager: %v", err)
	}
	defer manager.Close()

	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Logger(), api.Recovery(), api.Metrics())

	api.NewHandler(manager).Register(router, cfg.APIToken)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":     srv.Addr,
			"nodes":    cfg.NodesDB,
			"strategy": cfg.Strategy,
		}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("server shutdown: %v", err)
	}
}
