// Package config resolves daemon settings from the TOML file, NOTISYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/core"
	"github.com/user/notisync/supervisor"
	"github.com/user/notisync/util"
)

// Config holds the daemon configuration.
type Config struct {
	Address string
	Name    string
	DataDir string

	WorkMode      string
	SyncOnRemoval bool
	LogLevel      string

	ScanTimeout       time.Duration
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	SplitWriteNum     int

	GrantConnect   bool
	GrantAdvertise bool
	GrantBondQuery bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		DataDir:           util.GetDataDir(),
		WorkMode:          core.WorkModeSendOnly.String(),
		SyncOnRemoval:     true,
		LogLevel:          "info",
		ScanTimeout:       ble.ScanTimeout,
		ReconnectDelay:    supervisor.DefaultReconnectDelay,
		HeartbeatInterval: supervisor.DefaultHeartbeatInterval,
		SplitWriteNum:     ble.DefaultSplitWriteNum,
		GrantConnect:      true,
		GrantAdvertise:    true,
		GrantBondQuery:    true,
	}
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.Name == "" {
		c.Name = c.Address
	}
	if c.DataDir == "" {
		c.DataDir = util.GetDataDir()
	}
	if _, err := core.ParseWorkMode(c.WorkMode); err != nil {
		return err
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan timeout must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	// Frames carry a 4 byte header, so a write must fit at least one payload byte.
	if c.SplitWriteNum < 5 || c.SplitWriteNum > ble.DefaultSplitWriteNum {
		return fmt.Errorf("split write num must be between 5 and %d", ble.DefaultSplitWriteNum)
	}
	return nil
}

// Mode returns the parsed work mode. Call after Validate.
func (c Config) Mode() core.WorkMode {
	m, _ := core.ParseWorkMode(c.WorkMode)
	return m
}

// Preferences are the settings that can change while the daemon runs.
type Preferences struct {
	WorkMode      core.WorkMode
	SyncOnRemoval bool
}

// Preferences extracts the live-reloadable settings.
func (c Config) Preferences() Preferences {
	return Preferences{WorkMode: c.Mode(), SyncOnRemoval: c.SyncOnRemoval}
}

// Permissions returns radio permissions matching the grant settings.
func (c Config) Permissions() *ble.StaticPermissions {
	return ble.NewStaticPermissions(c.GrantConnect, c.GrantAdvertise, c.GrantBondQuery)
}

// configSetter applies values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	v := strings.ToLower(value)
	*dst = v == "true" || v == "1"
}
