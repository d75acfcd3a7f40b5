package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/notisync/config"
	"github.com/user/notisync/core"
	"github.com/user/notisync/logger"
	"github.com/user/notisync/registry"
	"github.com/user/notisync/relay"
	"github.com/user/notisync/store"
	"github.com/user/notisync/supervisor"
	"github.com/user/notisync/util"
	"github.com/user/notisync/wire"
)

// externalPollInterval is how often the store checks for commits made by
// other processes, such as the filter subcommand.
const externalPollInterval = time.Second

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon, reading JSON requests from stdin and writing events to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			changed, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			if err := ensureAddress(&opts.cfg); err != nil {
				return err
			}
			if err := opts.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runDaemon(cmd.Context(), opts, changed)
		},
	}
}

// ensureAddress fills cfg.Address from the data dir, generating and saving
// a new one on first run.
func ensureAddress(cfg *config.Config) error {
	if cfg.Address != "" {
		return nil
	}
	path := filepath.Join(cfg.DataDir, "address")
	if data, err := os.ReadFile(path); err == nil {
		if addr := strings.TrimSpace(string(data)); addr != "" {
			cfg.Address = addr
			return nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read address: %w", err)
	}

	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return err
	}
	cfg.Address = newAddress()
	if err := os.WriteFile(path, []byte(cfg.Address+"\n"), 0o644); err != nil {
		return fmt.Errorf("save address: %w", err)
	}
	return nil
}

// newAddress returns a random MAC-style address.
func newAddress() string {
	id := uuid.New()
	parts := make([]string, 6)
	for i := range parts {
		parts[i] = fmt.Sprintf("%02X", id[i])
	}
	return strings.Join(parts, ":")
}

func runDaemon(parent context.Context, opts *options, changed map[string]bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.cfg
	log := logger.New("notisyncd")

	st, err := store.OpenShared(ctx, util.DatabasePath(cfg.DataDir))
	if err != nil {
		return err
	}
	defer store.CloseShared()

	perms := cfg.Permissions()
	radio, err := wire.New(wire.Options{
		Address:         cfg.Address,
		Name:            cfg.Name,
		DataDir:         cfg.DataDir,
		Permissions:     perms,
		SimulateLatency: true,
	})
	if err != nil {
		return err
	}
	defer radio.Close()

	reg := registry.New(st)
	if err := reg.Load(ctx, radio); err != nil {
		return err
	}

	out := newEventWriter(os.Stdout)
	rel := relay.New(reg, radio, consoleHost{out: out}, relay.Options{
		SplitWriteNum: cfg.SplitWriteNum,
		SyncOnRemoval: cfg.SyncOnRemoval,
	})
	svc := core.New(core.Config{
		Radio:       radio,
		Advertiser:  radio,
		Permissions: perms,
		Registry:    reg,
		Relay:       rel,
		Server:      rel,
		ScanTimeout: cfg.ScanTimeout,
		WorkMode:    cfg.Mode(),
	})
	svc.RegisterListener(&consoleListener{out: out})

	inv := newInventory()
	sup := supervisor.New(supervisor.BinderFunc(func(ctx context.Context) (supervisor.CoreLink, error) {
		if err := svc.Ping(ctx); err != nil {
			return nil, err
		}
		return svc, nil
	}), inv, supervisor.Options{
		SelfPackage:       selfPackage,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	watcher := config.NewWatcher(opts.cfgPath, cfg, changed, func(p config.Preferences) {
		svc.SetWorkMode(p.WorkMode)
		rel.SetSyncOnRemoval(p.SyncOnRemoval)
	})

	apps, err := st.SubscribeFilteredApps(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("address", cfg.Address).
		Str("name", cfg.Name).
		Str("data_dir", cfg.DataDir).
		Stringer("work_mode", cfg.Mode()).
		Msg("notisyncd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { rel.Run(gctx); return nil })
	g.Go(func() error { svc.Run(gctx); return nil })
	g.Go(func() error { sup.Run(gctx); return nil })
	g.Go(func() error { reg.WatchFilteredApps(gctx, apps); return nil })
	g.Go(func() error { st.WatchExternalChanges(gctx, externalPollInterval); return nil })
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			log.Warn().Err(err).Msg("config hot reload disabled")
		}
		return nil
	})

	d := &daemon{sync: svc, listener: sup, inv: inv, out: out}

	// stdin is not closed on cancellation, so the reader runs outside the group.
	inputDone := make(chan error, 1)
	go func() { inputDone <- d.serve(gctx, os.Stdin) }()

	select {
	case err := <-inputDone:
		if err != nil {
			log.Error().Err(err).Msg("read requests")
		}
		log.Info().Msg("input closed, shutting down")
		stop()
	case <-gctx.Done():
	}

	err = g.Wait()
	log.Info().Msg("notisyncd stopped")
	return err
}
