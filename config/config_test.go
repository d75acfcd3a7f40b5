package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/notisync/core"
	"github.com/user/notisync/logger"
)

func boolPtr(v bool) *bool { return &v }

func TestApplyFileConfig(t *testing.T) {
	tests := []struct {
		name     string
		fc       FileConfig
		changed  map[string]bool
		initial  Config
		expected Config
		wantErr  bool
	}{
		{
			name: "applies all fields",
			fc: FileConfig{
				Address:           "AA:BB",
				Name:              "desk",
				DataDir:           "/data",
				WorkMode:          "send_and_receive",
				SyncOnRemoval:     boolPtr(false),
				LogLevel:          "debug",
				ScanTimeout:       "5s",
				ReconnectDelay:    "2s",
				HeartbeatInterval: "1m",
				SplitWriteNum:     12,
				GrantConnect:      boolPtr(false),
			},
			changed: map[string]bool{},
			initial: Config{SyncOnRemoval: true, GrantConnect: true},
			expected: Config{
				Address:           "AA:BB",
				Name:              "desk",
				DataDir:           "/data",
				WorkMode:          "send_and_receive",
				LogLevel:          "debug",
				ScanTimeout:       5 * time.Second,
				ReconnectDelay:    2 * time.Second,
				HeartbeatInterval: time.Minute,
				SplitWriteNum:     12,
			},
		},
		{
			name:     "respects changed flags",
			fc:       FileConfig{Address: "AA:BB", WorkMode: "send_and_receive"},
			changed:  map[string]bool{"work-mode": true},
			initial:  Config{WorkMode: "send_only"},
			expected: Config{Address: "AA:BB", WorkMode: "send_only"},
		},
		{
			name:     "empty values keep defaults",
			fc:       FileConfig{},
			changed:  map[string]bool{},
			initial:  Config{Name: "kept", SplitWriteNum: 20},
			expected: Config{Name: "kept", SplitWriteNum: 20},
		},
		{
			name:    "invalid duration",
			fc:      FileConfig{ScanTimeout: "soon"},
			changed: map[string]bool{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			err := ApplyFileConfig(&cfg, tt.fc, tt.changed)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg)
		})
	}
}

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		changed  map[string]bool
		initial  Config
		expected Config
		wantErr  bool
	}{
		{
			name: "applies valid env vars",
			envVars: map[string]string{
				"NOTISYNC_ADDRESS":         "CC:DD",
				"NOTISYNC_WORK_MODE":       "send_and_receive",
				"NOTISYNC_SCAN_TIMEOUT":    "3s",
				"NOTISYNC_SPLIT_WRITE_NUM": "16",
				"NOTISYNC_SYNC_ON_REMOVAL": "1",
				"NOTISYNC_GRANT_ADVERTISE": "false",
			},
			changed: map[string]bool{},
			initial: Config{GrantAdvertise: true},
			expected: Config{
				Address:       "CC:DD",
				WorkMode:      "send_and_receive",
				ScanTimeout:   3 * time.Second,
				SplitWriteNum: 16,
				SyncOnRemoval: true,
			},
		},
		{
			name:     "respects changed flags",
			envVars:  map[string]string{"NOTISYNC_ADDRESS": "CC:DD"},
			changed:  map[string]bool{"address": true},
			initial:  Config{Address: "from-flag"},
			expected: Config{Address: "from-flag"},
		},
		{
			name:    "invalid int",
			envVars: map[string]string{"NOTISYNC_SPLIT_WRITE_NUM": "twenty"},
			changed: map[string]bool{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := tt.initial
			err := ApplyEnvConfig(&cfg, tt.changed)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := DefaultConfig()
		c.Address = "AA:BB"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with address", func(*Config) {}, false},
		{"missing address", func(c *Config) { c.Address = "" }, true},
		{"unknown work mode", func(c *Config) { c.WorkMode = "listen_only" }, true},
		{"zero scan timeout", func(c *Config) { c.ScanTimeout = 0 }, true},
		{"split write too small", func(c *Config) { c.SplitWriteNum = 4 }, true},
		{"split write over mtu", func(c *Config) { c.SplitWriteNum = 21 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	c := valid()
	require.NoError(t, c.Validate())
	assert.Equal(t, "AA:BB", c.Name)
	assert.Equal(t, core.WorkModeSendOnly, c.Mode())
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveFileConfig(path, FileConfig{Address: "AA:BB", WorkMode: "send_and_receive", SyncOnRemoval: boolPtr(false)}))
	assert.True(t, FileExists(path))

	fc, err := LoadFileConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB", fc.Address)
	require.NotNil(t, fc.SyncOnRemoval)
	assert.False(t, *fc.SyncOnRemoval)
}

func TestWatcherReportsPreferenceChanges(t *testing.T) {
	logger.Discard()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, SaveFileConfig(path, FileConfig{WorkMode: "send_only"}))

	base := DefaultConfig()
	base.Address = "AA:BB"

	var mu sync.Mutex
	var got []Preferences
	w := NewWatcher(path, base, map[string]bool{}, func(p Preferences) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, SaveFileConfig(path, FileConfig{WorkMode: "send_and_receive", SyncOnRemoval: boolPtr(false)}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, Preferences{WorkMode: core.WorkModeSendAndReceive, SyncOnRemoval: false}, got[0])
	mu.Unlock()

	// Unrelated edits and invalid content do not fire the handler.
	require.NoError(t, SaveFileConfig(path, FileConfig{WorkMode: "send_and_receive", SyncOnRemoval: boolPtr(false), LogLevel: "debug"}))
	require.NoError(t, os.WriteFile(path, []byte("work_mode = 'sideways'\n"), 0o644))
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}
