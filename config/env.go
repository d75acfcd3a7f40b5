package config

import "os"

// ApplyEnvConfig applies configuration from environment variables (NOTISYNC_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("address", os.Getenv("NOTISYNC_ADDRESS"), &cfg.Address)
	s.setString("name", os.Getenv("NOTISYNC_NAME"), &cfg.Name)
	s.setString("data-dir", os.Getenv("NOTISYNC_DIR"), &cfg.DataDir)
	s.setString("work-mode", os.Getenv("NOTISYNC_WORK_MODE"), &cfg.WorkMode)
	s.setString("log-level", os.Getenv("NOTISYNC_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("scan-timeout", os.Getenv("NOTISYNC_SCAN_TIMEOUT"), &cfg.ScanTimeout); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-delay", os.Getenv("NOTISYNC_RECONNECT_DELAY"), &cfg.ReconnectDelay); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-interval", os.Getenv("NOTISYNC_HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval); err != nil {
		return err
	}

	if err := s.setIntFromString("split-write-num", os.Getenv("NOTISYNC_SPLIT_WRITE_NUM"), &cfg.SplitWriteNum); err != nil {
		return err
	}

	s.setBoolFromString("sync-on-removal", os.Getenv("NOTISYNC_SYNC_ON_REMOVAL"), &cfg.SyncOnRemoval)
	s.setBoolFromString("grant-connect", os.Getenv("NOTISYNC_GRANT_CONNECT"), &cfg.GrantConnect)
	s.setBoolFromString("grant-advertise", os.Getenv("NOTISYNC_GRANT_ADVERTISE"), &cfg.GrantAdvertise)
	s.setBoolFromString("grant-bond-query", os.Getenv("NOTISYNC_GRANT_BOND_QUERY"), &cfg.GrantBondQuery)

	return nil
}
