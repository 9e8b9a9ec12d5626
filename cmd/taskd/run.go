package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"taskd/internal/app"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling daemon",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "./config.json", "Path to config file (json or yaml)")
}

func runDaemon(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(app.Options{ConfigPath: runConfigPath, Version: version})
	if err != nil {
		return err
	}

	err = a.Run(ctx, func(c context.Context) error {
		notify(daemon.SdNotifyReady)
		defer notify(daemon.SdNotifyStopping)
		return watchdog(c)
	})
	if err != nil {
		return fmt.Errorf("taskd: %w", err)
	}
	return nil
}

// notify is a no-op outside systemd (NOTIFY_SOCKET unset).
func notify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

// watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. Without a watchdog it just waits.
func watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			notify(daemon.SdNotifyWatchdog)
		}
	}
}
