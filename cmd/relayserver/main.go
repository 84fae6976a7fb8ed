// Command relayserver runs the standalone rendezvous/relay process:
// config load, registry/stats construction, the relay accept loop and
// janitor, and the admin observability API, each wired up as its own
// goroutine with context cancellation and signal-triggered graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omnicloud/relay/internal/adminapi"
	"github.com/omnicloud/relay/internal/config"
	"github.com/omnicloud/relay/internal/registry"
	"github.com/omnicloud/relay/internal/relaylog"
	"github.com/omnicloud/relay/internal/relayserver"
	"github.com/omnicloud/relay/internal/stats"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "relay.config", "path to the relay config file")
	logDir := flag.String("log-dir", ".", "directory for the relay.log file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	relaylog.Init(*logDir)
	defer relaylog.Close()
	relaylog.SetDebug(cfg.Debug)

	relaylog.Infof("relay server %s starting", Version)

	watcher, err := config.NewDebugWatcher(*configPath, func(debug bool) {
		relaylog.Infof("debug logging %v (config reload)", debug)
		relaylog.SetDebug(debug)
	})
	if err != nil {
		relaylog.Warnf("debug hot-reload disabled: %v", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	reg := registry.New()
	st := stats.New()

	ctx, cancel := context.WithCancel(context.Background())

	relay := relayserver.New(cfg.BindHost, cfg.BindPort, reg, st)
	go func() {
		if err := relay.Start(ctx); err != nil {
			relaylog.Errorf("relay server error: %v", err)
		}
	}()

	go relayserver.RunJanitor(
		ctx,
		reg,
		time.Duration(cfg.JanitorIntervalSeconds)*time.Second,
		time.Duration(cfg.HeartbeatTimeoutSeconds)*time.Second,
	)

	var admin *adminapi.Server
	if cfg.AdminEnabled {
		admin = adminapi.New(cfg.AdminPort, reg, st)
		go func() {
			if err := admin.Start(); err != nil {
				relaylog.Errorf("admin API error: %v", err)
			}
		}()
		go admin.RunBroadcaster(ctx)
	}

	relaylog.Infof("relay server running; press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	relaylog.Infof("shutdown signal received, stopping relay server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			relaylog.Warnf("error shutting down admin API: %v", err)
		}
	}

	relaylog.Infof("relay server stopped")
}
