package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nexushq/relay/pkg/api"
	"github.com/nexushq/relay/pkg/config"
	"github.com/nexushq/relay/pkg/inbox"
	"github.com/nexushq/relay/pkg/log"
	"github.com/nexushq/relay/pkg/publisher"
	"github.com/nexushq/relay/pkg/push"
	"github.com/nexushq/relay/pkg/realtime"
	"github.com/nexushq/relay/pkg/transport"
	"github.com/urfave/cli/v3"
)

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the relay delivery server",
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"))
		},
	}
}

// serve runs the delivery server until interrupted. The transport is resolved
// once at startup; changing it requires a restart. Heartbeat and idle
// intervals reload on config file changes or SIGHUP.
func serve(ctx context.Context, configPath string) error {
	logger := log.ForComponent("serve")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var store *inbox.Store
	if cfg.InboxPath != "" {
		store, err = inbox.Open(cfg.InboxPath)
		if err != nil {
			return fmt.Errorf("opening inbox store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warnf("failed to close inbox store: %v", err)
			}
		}()
	}

	if cfg.Transport == config.TransportPush && cfg.Broker.Embed {
		auth := push.NewAuthenticator(push.NewTokenSigner(cfg.AuthSecret), cfg.Broker.Key)
		broker, err := push.StartBroker(cfg.Broker.URL, auth)
		if err != nil {
			return fmt.Errorf("starting embedded broker: %w", err)
		}
		defer broker.Shutdown()
		logger.Infof("embedded broker listening at %s", cfg.Broker.URL)
	}

	hub := realtime.NewHub(0)
	tr, err := transport.Select(cfg, hub)
	if err != nil {
		return fmt.Errorf("selecting transport: %w", err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Warnf("failed to close transport: %v", err)
		}
	}()

	pub := publisher.New(tr,
		publisher.WithTimeout(cfg.PublishTimeout.Duration),
		publisher.WithInbox(store),
	)

	server := api.NewServer(cfg, hub, pub, tr, store)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Listen.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No global write timeout: streaming connections are long-lived and
		// bounded by the per-connection idle timer instead.
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s (transport: %s)", cfg.Listen.Addr(), cfg.Transport)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("failed to create config file watcher: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warnf("failed to close config file watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			logger.Warnf("failed to watch config file %s: %v", configPath, err)
		} else {
			logger.Infof("watching config file for changes: %s", configPath)
		}
	}

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-serveErr:
			return fmt.Errorf("server error: %w", err)
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Infof("received SIGHUP, reloading configuration")
				reloadTunables(configPath, cfg, server, logger)
			case syscall.SIGINT, syscall.SIGTERM:
				fmt.Println("\nShutting down...")
				return shutdown()
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			// Editors often replace the file atomically, which shows up as
			// rename or remove rather than write.
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				if ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					time.Sleep(200 * time.Millisecond)
					if _, err := os.Stat(configPath); os.IsNotExist(err) {
						logger.Warnf("config file was removed and not replaced, skipping reload")
						continue
					}
					if err := watcher.Add(configPath); err != nil {
						logger.Warnf("failed to re-add config file to watcher: %v", err)
					}
				} else {
					time.Sleep(100 * time.Millisecond)
				}
				logger.Infof("config file changed: %s, reloading", ev.Name)
				reloadTunables(configPath, cfg, server, logger)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			logger.Warnf("config file watcher error: %v", err)
		}
	}
}

// reloadTunables applies the reloadable parts of a changed config file.
// Transport, listen address and broker settings require a restart.
func reloadTunables(configPath string, running *config.Config, server *api.Server, logger *log.Logger) {
	newCfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Warnf("failed to reload config: %v", err)
		return
	}
	if err := newCfg.Validate(); err != nil {
		logger.Warnf("reloaded config is invalid, keeping current settings: %v", err)
		return
	}

	if newCfg.Transport != running.Transport {
		logger.Warnf("transport changed from %q to %q; restart required to apply", running.Transport, newCfg.Transport)
	}
	if newCfg.Listen.Addr() != running.Listen.Addr() {
		logger.Warnf("listen address changed to %s; restart required to apply", newCfg.Listen.Addr())
	}

	server.SetTunables(newCfg.HeartbeatInterval.Duration, newCfg.IdleTimeout.Duration)
	logger.Infof("applied heartbeat_interval=%s idle_timeout=%s",
		newCfg.HeartbeatInterval.Duration, newCfg.IdleTimeout.Duration)
}
