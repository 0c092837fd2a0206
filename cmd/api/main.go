package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/sigforge/internal/api/routes"
	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/config"
	"github.com/Wikid82/sigforge/internal/database"
	"github.com/Wikid82/sigforge/internal/feed"
	"github.com/Wikid82/sigforge/internal/logger"
	"github.com/Wikid82/sigforge/internal/metrics"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/probe"
	"github.com/Wikid82/sigforge/internal/scheduler"
	"github.com/Wikid82/sigforge/internal/server"
	"github.com/Wikid82/sigforge/internal/services"
	"github.com/Wikid82/sigforge/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log().WithError(err).Fatal("load config")
	}

	// Log to both stdout and a rotated file
	var out io.Writer = os.Stdout
	if rotator, err := logger.RotatingFile(cfg.DataDir, "sigforge.log"); err == nil {
		defer rotator.Close()
		out = io.MultiWriter(os.Stdout, rotator)
	} else {
		logger.Log().WithError(err).Warn("File logging disabled")
	}
	logger.Init(cfg.Debug, out)

	logger.Log().WithFields(logrus.Fields{
		"version": version.Full(),
		"env":     cfg.Environment,
	}).Infof("starting %s", version.Name)

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		logger.Log().WithError(err).Fatal("connect database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	fetchers := feed.Mux{
		string(models.SourceMethodHTTP):  feed.NewHTTPFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes),
		string(models.SourceMethodLocal): &feed.FileFetcher{MaxBytes: cfg.FetchMaxBytes},
	}

	var validator compiler.Validator
	if cfg.Validator == config.ValidatorSuricata {
		validator = &compiler.SuricataValidator{
			Binary:  cfg.SuricataBinary,
			Config:  cfg.SuricataConfig,
			Timeout: cfg.ValidateTimeout,
		}
	}

	var backend probe.Backend
	if cfg.ProbeBackend == config.BackendDocker {
		docker, err := probe.NewDocker(cfg.ProbeLabel, cfg.ProbeRulesDir)
		if err != nil {
			logger.Log().WithError(err).Warn("Docker probe backend unavailable, deployments disabled")
		} else {
			backend = docker
		}
	}

	notifications := services.NewNotificationService(db)
	sources := services.NewSourceService(db, fetchers, notifications)
	sources.SetMaxBytes(cfg.FetchMaxBytes)
	comp := compiler.New(db, validator, backend)
	deps := routes.Deps{
		Notifications: notifications,
		Sources:       sources,
		Compiler:      comp,
		Registry:      registry,
	}

	if cfg.SchedulerEnabled {
		sched := scheduler.New(sources, cfg.DefaultUpdateCron, cfg.UpdateRetryTimeout)
		if err := sched.Sync(); err != nil {
			logger.Log().WithError(err).Warn("Some sources have an invalid update schedule")
		}
		sched.Start()
		defer sched.Stop()
		deps.Scheduler = sched
	}

	srv, err := server.New(db, cfg, deps)
	if err != nil {
		logger.Log().WithError(err).Fatal("build server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log().WithField("port", cfg.HTTPPort).Info("HTTP server listening")
	if err := srv.Run(ctx); err != nil {
		logger.Log().WithError(err).Error("server error")
	}
	notifications.Wait()
	logger.Log().Info("shutdown complete")
}
