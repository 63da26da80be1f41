package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"mailnag/internal/app"
	"mailnag/internal/config"
	"mailnag/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./mailnag.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a, err := app.New(cfg, logSvc, log)
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		log.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	// Hot reload: file watcher feeds validated configs to the app.
	updates := mgr.Subscribe(4)
	go func() {
		for next := range updates {
			a.Apply(next)
		}
	}()
	go func() {
		if werr := mgr.Watch(ctx); werr != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", logx.Err(werr))
		}
	}()

	_, _ = sd.SdNotify(false, sd.SdNotifyReady)

	<-ctx.Done()

	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	mgr.Unsubscribe(updates)
	a.Stop(context.Background())
}
