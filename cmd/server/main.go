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

	"github.com/coreos/go-systemd/v22/daemon"

	"medremind/internal/api"
	"medremind/internal/config"
	"medremind/internal/notifier"
	"medremind/internal/push"
	"medremind/internal/reconcile"
	"medremind/internal/scheduler"
	"medremind/internal/storage"
	"medremind/internal/syncer"
	logx "medremind/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	log = log.With(logx.String("component", "server"))

	busyTimeout, err := config.ParseDuration("database.busy_timeout", cfg.Database.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return err
	}
	defer store.Close()

	pushTimeout, err := config.ParseDuration("push.timeout", cfg.Push.Timeout, 10*time.Second)
	if err != nil {
		return err
	}
	sender := push.New(push.Config{
		Enabled:    cfg.Push.Enabled,
		Endpoint:   cfg.Push.Endpoint,
		ServerKey:  cfg.Push.ServerKey,
		Timeout:    pushTimeout,
		RatePerSec: cfg.Push.RatePerSec,
	}, log.With(logx.String("component", "push")))

	retryBase, err := config.ParseDuration("notifier.retry_base", cfg.Notifier.RetryBase, 0)
	if err != nil {
		return err
	}
	dispatch := notifier.New(notifier.Config{
		Workers:   cfg.Notifier.Workers,
		QueueSize: cfg.Notifier.QueueSize,
		RetryMax:  cfg.Notifier.RetryMax,
		RetryBase: retryBase,
	}, store, sender, log.With(logx.String("component", "notifier")))
	dispatch.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		dispatch.Stop(stopCtx)
	}()

	tasks := scheduler.New(log.With(logx.String("component", "scheduler")))
	sync := syncer.New(tasks, dispatch, store, log.With(logx.String("component", "syncer")))
	store.SetScheduleHooks(sync)

	// Rebuild the live timer set from the persisted schedules before the
	// clock starts and before requests can mutate anything.
	if err := sync.Resync(ctx); err != nil {
		return err
	}
	tasks.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		tasks.Stop(stopCtx)
	}()

	engine := reconcile.New(store, tasks, log.With(logx.String("component", "reconcile")))
	handler := api.NewHandler(store, tasks, engine, log.With(logx.String("component", "api")))
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handler, log.With(logx.String("component", "http")), cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Level changes from config edits apply without restart; everything else
	// takes effect on the next start.
	go func() {
		err := config.Watch(ctx, cfgPath, log.With(logx.String("component", "config")), func(c *config.Config) {
			logSvc.SetLevel(c.Logging.Level)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", logx.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}
