package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePathsWithHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv("LIVECHAT_HOME", base)

	p, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, base, p.Base)
	assert.Equal(t, filepath.Join(base, "config.yaml"), p.Config)
	assert.Equal(t, filepath.Join(base, "data", "livechat.db"), p.Database)

	require.NoError(t, p.EnsureDirs())
	for _, d := range []string{p.Data, p.Logs} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDatabasePath(t *testing.T) {
	p := Paths{Database: "/var/lib/livechat/livechat.db"}
	cfg := Defaults()
	assert.Equal(t, p.Database, p.DatabasePath(&cfg))

	cfg.Database.Path = ":memory:"
	assert.Equal(t, ":memory:", p.DatabasePath(&cfg))
}

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single segment", "presence", []string{"presence"}, false},
		{"nested", "presence.breaker.cooldown", []string{"presence", "breaker", "cooldown"}, false},
		{"empty", "", nil, true},
		{"empty segment", "store..driver", nil, true},
		{"trailing dot", "store.", nil, true},
		{"blocked key", "store.__proto__", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				var ce *ConfigError
				assert.ErrorAs(t, err, &ce)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValueAtPath(t *testing.T) {
	root := map[string]any{
		"store": map[string]any{
			"driver": "redis",
			"redis":  map[string]any{"addr": "localhost:6379"},
		},
		"flat": "x",
	}

	v, ok := GetValueAtPath(root, []string{"store", "redis", "addr"})
	assert.True(t, ok)
	assert.Equal(t, "localhost:6379", v)

	_, ok = GetValueAtPath(root, []string{"flat", "child"})
	assert.False(t, ok)

	SetValueAtPath(root, []string{"presence", "gracePeriod"}, "20s")
	v, ok = GetValueAtPath(root, []string{"presence", "gracePeriod"})
	assert.True(t, ok)
	assert.Equal(t, "20s", v)

	SetValueAtPath(root, []string{"flat", "child"}, 1)
	v, _ = GetValueAtPath(root, []string{"flat", "child"})
	assert.Equal(t, 1, v)

	assert.True(t, UnsetValueAtPath(root, []string{"store", "driver"}))
	assert.False(t, UnsetValueAtPath(root, []string{"store", "driver"}))
	assert.False(t, UnsetValueAtPath(root, []string{"missing", "key"}))
}
