package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/abada-io/abada-engine/internal/config"
	"github.com/abada-io/abada-engine/internal/rest"
	"github.com/abada-io/abada-engine/pkg/bpmn"
	"github.com/abada-io/abada-engine/pkg/storage"
	"github.com/abada-io/abada-engine/pkg/storage/inmemory"
	"github.com/abada-io/abada-engine/pkg/storage/sqlite"
)

func main() {
	conf := config.InitConfig()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  conf.Name,
		Level: hclog.LevelFromString(conf.Log.Level),
	})

	appContext, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	store, closeStore, err := initStorage(conf, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", "type", conf.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	engine := bpmn.NewEngine(
		bpmn.EngineWithName(conf.Name),
		bpmn.EngineWithLogger(logger),
		bpmn.EngineWithStorage(store),
		bpmn.EngineWithTimerPollInterval(conf.Engine.TimerPollInterval),
		bpmn.EngineWithDefaultRetries(conf.Engine.DefaultRetries),
	)
	if err := engine.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Error("Failed to register engine metrics", "error", err)
		os.Exit(1)
	}
	if err := engine.Rehydrate(appContext); err != nil {
		logger.Error("Failed to rehydrate engine state", "error", err)
		os.Exit(1)
	}
	engine.Start()

	svr := rest.NewServer(engine, conf, logger)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	logger.Info("Received signal. Shutting down", "signal", sig.String())

	svr.Stop(appContext)
	engine.Stop()
}

func initStorage(conf config.Config, logger hclog.Logger) (storage.Storage, func(), error) {
	switch conf.Storage.Type {
	case config.StorageTypeSqlite:
		db, err := sql.Open("sqlite", conf.Storage.Dsn)
		if err != nil {
			return nil, nil, err
		}
		store, err := sqlite.NewStorage(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("using sqlite storage", "dsn", conf.Storage.Dsn)
		return store, func() { db.Close() }, nil
	default:
		logger.Info("using in-memory storage")
		return inmemory.NewStorage(), func() {}, nil
	}
}
