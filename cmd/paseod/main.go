// Command paseod is the Paseo local daemon: it owns every agent process,
// persists their timelines, and exposes them to paired clients over a
// direct WebSocket listener and an optional outbound relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/paseohq/paseo/internal/agentmanager"
	"github.com/paseohq/paseo/internal/checkout"
	"github.com/paseohq/paseo/internal/config"
	"github.com/paseohq/paseo/internal/logging"
	"github.com/paseohq/paseo/internal/notifier"
	"github.com/paseohq/paseo/internal/store"
	"github.com/paseohq/paseo/internal/terminal"
	"github.com/paseohq/paseo/internal/timeline"
	"github.com/paseohq/paseo/internal/transport"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("paseod", flag.ExitOnError)
	config.DefineFlags(fs)
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(fs); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(fs *flag.FlagSet) error {
	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	} else {
		slog.Warn("paseod: unrecognized log level, keeping default", "log_level", cfg.LogLevel)
	}

	identity, err := transport.LoadOrCreateIdentity(cfg.DaemonKeyPath())
	if err != nil {
		return fmt.Errorf("load daemon identity: %w", err)
	}

	logging.PrintBanner(version, identity.ServerID)

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	st := store.New(db)

	engine := timeline.New(func(agentID string) string {
		return filepath.Join(cfg.AgentsDir(), agentID)
	})

	checkoutWatcher := checkout.New()
	terminals := terminal.NewManager()
	pairings := transport.NewPairings(st)

	registryHolder := &registryRef{}
	manager := agentmanager.New(st, engine,
		func(ev agentmanager.AttentionEvent) {
			if registryHolder.dispatcher != nil {
				registryHolder.dispatcher.Dispatch(context.Background(), ev.AgentID, ev.Reason)
			}
		},
		func(ev agentmanager.PermissionEvent) {
			if registryHolder.dispatcher != nil {
				registryHolder.dispatcher.Dispatch(context.Background(), ev.AgentID, "permission")
			}
		},
	)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	server := transport.NewServer(cfg, identity, pairings, manager, engine, st, checkoutWatcher, terminals, hostname, version)
	registryHolder.dispatcher = notifier.New(server.Registry(), nil)

	logging.PrintPairingOffer(server.OfferURL())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- server.ListenAndServe(ctx) }()
	go func() { errCh <- server.RunRelay(ctx) }()

	<-ctx.Done()
	slog.Info("paseod: shutting down")
	terminals.StopAll()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registryRef breaks the construction cycle between the agent manager
// (built first, needs a dispatcher to call into) and the notifier
// dispatcher (built last, needs the transport server's registry).
type registryRef struct {
	dispatcher *notifier.Dispatcher
}
