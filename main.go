package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eddielth/heatpump-core/alerting"
	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/health"
	"github.com/eddielth/heatpump-core/logger"
	"github.com/eddielth/heatpump-core/mqtt"
	"github.com/eddielth/heatpump-core/pipeline"
	"github.com/eddielth/heatpump-core/storage"
	"github.com/eddielth/heatpump-core/transformer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	level, err := logger.ParseLogLevel(cfg.Logger.Level)
	if err != nil {
		logger.Warn("%v", err)
	}
	err = logger.Init(logger.LoggerConfig{
		Level:      level,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		Console:    cfg.Logger.Console,
	})
	if err != nil {
		logger.Warn("file logging disabled: %v", err)
	}
	defer logger.Close()

	reporter := health.NewReporter(prometheus.DefaultRegisterer)

	db, err := storage.NewDatabaseStorage(cfg.Storage.Database.Type, cfg.Storage.Database.DSN)
	if err != nil {
		logger.Error("failed to initialize %s storage: %v", cfg.Storage.Database.Type, err)
		os.Exit(1)
	}

	storageManager := storage.NewManager(db, cfg.Pipeline.MaxRetries, cfg.Pipeline.RetryDelay)
	if cfg.Storage.File.Enabled {
		fileStorage, err := storage.NewFileStorage(cfg.Storage.File.Path)
		if err != nil {
			logger.Warn("running without file audit storage: %v", err)
		} else {
			storageManager.AddMirror(fileStorage)
		}
	}
	if cfg.Storage.Redis.Enabled {
		redisMirror, err := storage.NewRedisMirror(cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.TTL)
		if err != nil {
			logger.Warn("running without redis cache: %v", err)
		} else {
			storageManager.AddMirror(redisMirror)
		}
	}

	normalizer, err := transformer.NewNormalizer(cfg.MQTT.TopicPrefix, cfg.Normalizer, storageManager)
	if err != nil {
		logger.Error("failed to initialize normalizer: %v", err)
		os.Exit(1)
	}

	engine := alerting.NewEngine(storageManager, reporter, cfg.Alerting.DefaultOfflineGrace, logger.Component("alerting"))
	reporter.SetAlertsConfigured(true)
	if err := engine.Reload(context.Background()); err != nil {
		logger.Error("initial alert rule load failed, retrying every %s: %v", cfg.Alerting.RulesRefresh, err)
	}

	sweeper := alerting.NewSweeper(engine, cfg.Alerting.SweepInterval, cfg.Alerting.RulesRefresh, logger.Component("sweeper"))
	if err := sweeper.Start(); err != nil {
		logger.Error("failed to start offline sweeper: %v", err)
		os.Exit(1)
	}

	processor := pipeline.NewProcessor(cfg.Pipeline, normalizer, storageManager, engine, reporter, logger.Component("pipeline"))
	processor.Start()

	mqttManager, err := mqtt.NewManager(cfg.MQTT, processor.HandleMessage, reporter, logger.Component("mqtt"))
	if err != nil {
		logger.Error("failed to initialize MQTT client: %v", err)
		os.Exit(1)
	}
	if err := mqttManager.Start(); err != nil {
		logger.Error("failed to start MQTT service: %v", err)
		os.Exit(1)
	}

	healthServer := health.NewServer(cfg.Health.Addr, reporter, prometheus.DefaultGatherer)
	healthServer.Start()

	err = config.WatchConfig(*configPath, func(newCfg *config.Config) error {
		logger.Info("applying new configuration...")

		if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
			logger.Warn("%v", err)
		}

		if err := normalizer.Reload(newCfg.Normalizer); err != nil {
			return err
		}

		sweeper.TriggerReload()

		if !reflect.DeepEqual(newCfg.MQTT, cfg.MQTT) || !reflect.DeepEqual(newCfg.Storage, cfg.Storage) || !reflect.DeepEqual(newCfg.Pipeline, cfg.Pipeline) {
			logger.Warn("mqtt, storage and pipeline changes take effect after restart")
		}
		return nil
	})
	if err != nil {
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching config file %s", *configPath)
	}

	logger.Info("heat pump telemetry core started, waiting for device data...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down...")

	mqttManager.StopIntake()
	if err := processor.Stop(); err != nil {
		logger.Warn("pipeline drain incomplete: %v", err)
	}
	if err := sweeper.Stop(); err != nil {
		logger.Warn("%v", err)
	}
	mqttManager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(ctx); err != nil {
		logger.Warn("health server shutdown error: %v", err)
	}

	if err := storageManager.Close(); err != nil {
		logger.Error("failed to close storage: %v", err)
	}

	logger.Info("service stopped")
}
