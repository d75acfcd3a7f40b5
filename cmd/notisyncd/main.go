package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/user/notisync/config"
	"github.com/user/notisync/logger"
	"github.com/user/notisync/util"
)

// selfPackage identifies notifications posted by notisyncd itself.
const selfPackage = "com.notisync.daemon"

var exampleUsage = strings.TrimSpace(`
  notisyncd run --name desk --work-mode send_and_receive
  notisyncd devices
  notisyncd filter add com.example.chat
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// options holds the flag-bound configuration shared by every subcommand.
type options struct {
	cfg     config.Config
	cfgPath string
}

func main() {
	opts := &options{cfg: config.DefaultConfig()}

	root := &cobra.Command{
		Use:           "notisyncd",
		Short:         "Mirror notifications between paired devices over a low-MTU radio link",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.cfgPath, "config", "", "config file (default $NOTISYNC_DIR/config.toml)")
	f.StringVar(&opts.cfg.Address, "address", "", "radio address of this device (generated on first run)")
	f.StringVar(&opts.cfg.Name, "name", "", "advertised device name")
	f.StringVar(&opts.cfg.DataDir, "data-dir", opts.cfg.DataDir, "data directory")
	f.StringVar(&opts.cfg.WorkMode, "work-mode", opts.cfg.WorkMode, "send_only or send_and_receive")
	f.BoolVar(&opts.cfg.SyncOnRemoval, "sync-on-removal", opts.cfg.SyncOnRemoval, "relay notification removals to peers")
	f.StringVar(&opts.cfg.LogLevel, "log-level", opts.cfg.LogLevel, "trace, debug, info, warn or error")
	f.DurationVar(&opts.cfg.ScanTimeout, "scan-timeout", opts.cfg.ScanTimeout, "how long a scan runs")
	f.DurationVar(&opts.cfg.ReconnectDelay, "reconnect-delay", opts.cfg.ReconnectDelay, "delay before rebinding a lost core link")
	f.DurationVar(&opts.cfg.HeartbeatInterval, "heartbeat-interval", opts.cfg.HeartbeatInterval, "core link liveness check interval")
	f.IntVar(&opts.cfg.SplitWriteNum, "split-write-num", opts.cfg.SplitWriteNum, "bytes per radio write, header included")
	f.BoolVar(&opts.cfg.GrantConnect, "grant-connect", opts.cfg.GrantConnect, "grant the connect permission")
	f.BoolVar(&opts.cfg.GrantAdvertise, "grant-advertise", opts.cfg.GrantAdvertise, "grant the advertise permission")
	f.BoolVar(&opts.cfg.GrantBondQuery, "grant-bond-query", opts.cfg.GrantBondQuery, "grant the bond list permission")

	root.AddCommand(newRunCmd(opts), newDevicesCmd(opts), newFilterCmd(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// resolve applies the config file and environment under the flags the user
// changed, then validates. It returns the changed-flag set for hot reload.
// Validation of the address is left to callers that need one.
func (o *options) resolve(cmd *cobra.Command) (map[string]bool, error) {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	// The data dir decides where the default config file lives.
	if err := config.ApplyEnvConfig(&o.cfg, changed); err != nil {
		return nil, err
	}
	if o.cfgPath == "" {
		o.cfgPath = util.ConfigPath(o.cfg.DataDir)
	}

	if config.FileExists(o.cfgPath) {
		fc, err := config.LoadFileConfig(o.cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := config.ApplyFileConfig(&o.cfg, fc, changed); err != nil {
			return nil, err
		}
		// Environment overrides the file.
		if err := config.ApplyEnvConfig(&o.cfg, changed); err != nil {
			return nil, err
		}
	}

	logger.SetLevel(logger.ParseLevel(o.cfg.LogLevel))
	return changed, nil
}
