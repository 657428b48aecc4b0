package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"portalwatch/internal/app"
	"portalwatch/internal/monitor"
	logx "portalwatch/pkg/logx"
)

func main() {
	var (
		cfgPath   string
		autostart bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&autostart, "autostart", false, "start monitoring immediately")
	flag.Parse()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Signals only trigger Stop; the app context is canceled by Stop itself.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	if autostart {
		err := a.StartMonitor(ctx)
		var cfgErr *monitor.ConfigurationError
		switch {
		case err == nil:
		case errors.As(err, &cfgErr):
			log.Warn("autostart skipped", logx.Err(err))
		default:
			log.Error("autostart failed", logx.Err(err))
		}
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	reason := app.StopUnknown
	select {
	case <-sigCtx.Done():
		// a second signal kills the process
		stopSignals()
		reason = app.StopSignal
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			log.Error("fatal error", logx.Err(err))
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
