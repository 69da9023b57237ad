package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "100%", cfg.Preview.DefaultWidth)
	assert.Equal(t, "300px", cfg.Preview.DefaultHeight)
	assert.Equal(t, []string{"allow-scripts"}, cfg.Preview.Sandbox)
	assert.False(t, cfg.Preview.AlwaysRemount)
	assert.Equal(t, 250*time.Millisecond, cfg.Preview.ScriptBudget)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.Limits.CreatesPerMinute)
	assert.Equal(t, 30, cfg.Limits.UpdatesPerMinute)
	assert.Equal(t, 20, cfg.Limits.DeletesPerMinute)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(v *viper.Viper)
		expectError string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name: "overrides",
			setup: func(v *viper.Viper) {
				v.Set("server.port", 3000)
				v.Set("server.host", "0.0.0.0")
				v.Set("preview.always_remount", true)
				v.Set("preview.script_budget", "1s")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3000, cfg.Server.Port)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.True(t, cfg.Preview.AlwaysRemount)
				assert.Equal(t, time.Second, cfg.Preview.ScriptBudget)
			},
		},
		{
			name: "comma separated sandbox",
			setup: func(v *viper.Viper) {
				v.Set("preview.sandbox", "allow-scripts, allow-forms")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"allow-scripts", "allow-forms"}, cfg.Preview.Sandbox)
			},
		},
		{
			name: "remote backend",
			setup: func(v *viper.Viper) {
				v.Set("storage.backend", "REMOTE")
				v.Set("storage.remote.url", "https://example.supabase.co/rest/v1")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, BackendRemote, cfg.Storage.Backend)
				assert.Equal(t, 3, cfg.Storage.Remote.Retries)
			},
		},
		{
			name:        "invalid port type",
			setup:       func(v *viper.Viper) { v.Set("server.port", "invalid_port") },
			expectError: "",
		},
		{
			name:        "port out of range",
			setup:       func(v *viper.Viper) { v.Set("server.port", 70000) },
			expectError: "port 70000",
		},
		{
			name:        "dangerous host",
			setup:       func(v *viper.Viper) { v.Set("server.host", "localhost;rm -rf") },
			expectError: "dangerous character",
		},
		{
			name:        "unknown backend",
			setup:       func(v *viper.Viper) { v.Set("storage.backend", "indexeddb") },
			expectError: "unknown backend",
		},
		{
			name: "remote without url",
			setup: func(v *viper.Viper) {
				v.Set("storage.backend", "remote")
			},
			expectError: "remote.url",
		},
		{
			name:        "traversal in local path",
			setup:       func(v *viper.Viper) { v.Set("storage.path", "../../etc/passwd") },
			expectError: "traversal",
		},
		{
			name:        "relative origin",
			setup:       func(v *viper.Viper) { v.Set("server.allowed_origins", []string{"localhost"}) },
			expectError: "allowed origin",
		},
		{
			name:        "empty sandbox",
			setup:       func(v *viper.Viper) { v.Set("preview.sandbox", []string{}) },
			expectError: "sandbox",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			tt.setup(v)

			cfg, err := LoadFrom(v)
			if tt.check == nil {
				require.Error(t, err)
				if tt.expectError != "" {
					assert.Contains(t, err.Error(), tt.expectError)
				}
				return
			}

			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	want := Default()
	want.Server.Port = 9090
	want.Preview.DefaultHeight = "480px"
	want.Storage.Path = "data/components.json"

	raw, err := yaml.Marshal(want)
	require.NoError(t, err)

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(raw)))

	got, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 9090, got.Server.Port)
	assert.Equal(t, "480px", got.Preview.DefaultHeight)
	assert.Equal(t, "data/components.json", got.Storage.Path)
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, validatePath(".snipbox/data.json"))
	assert.Error(t, validatePath(""))
	assert.Error(t, validatePath("data;rm.json"))
	assert.Error(t, validatePath("../data.json"))
}
