package config

import (
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Address           string `toml:"address"`
	Name              string `toml:"name"`
	DataDir           string `toml:"data_dir"`
	WorkMode          string `toml:"work_mode"`
	SyncOnRemoval     *bool  `toml:"sync_on_removal"`
	LogLevel          string `toml:"log_level"`
	ScanTimeout       string `toml:"scan_timeout"`
	ReconnectDelay    string `toml:"reconnect_delay"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	SplitWriteNum     int    `toml:"split_write_num"`
	GrantConnect      *bool  `toml:"grant_connect"`
	GrantAdvertise    *bool  `toml:"grant_advertise"`
	GrantBondQuery    *bool  `toml:"grant_bond_query"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// SaveFileConfig writes fc to path.
func SaveFileConfig(path string, fc FileConfig) error {
	b, err := toml.Marshal(fc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("address", fc.Address, &cfg.Address)
	s.setString("name", fc.Name, &cfg.Name)
	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("work-mode", fc.WorkMode, &cfg.WorkMode)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("scan-timeout", fc.ScanTimeout, &cfg.ScanTimeout); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-delay", fc.ReconnectDelay, &cfg.ReconnectDelay); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval); err != nil {
		return err
	}

	s.setInt("split-write-num", fc.SplitWriteNum, &cfg.SplitWriteNum)

	s.setBool("sync-on-removal", fc.SyncOnRemoval, &cfg.SyncOnRemoval)
	s.setBool("grant-connect", fc.GrantConnect, &cfg.GrantConnect)
	s.setBool("grant-advertise", fc.GrantAdvertise, &cfg.GrantAdvertise)
	s.setBool("grant-bond-query", fc.GrantBondQuery, &cfg.GrantBondQuery)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
