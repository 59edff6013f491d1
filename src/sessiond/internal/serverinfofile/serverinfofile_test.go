package serverinfofile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func newStaticProvider(t *testing.T, data map[string]interface{}) config.Provider {
	t.Helper()
	provider, err := config.NewStaticProvider(data)
	require.NoError(t, err)
	return provider
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]interface{}
		wantErr bool
	}{
		{
			name:   "all required params are present",
			config: map[string]interface{}{_configKeyInfoFile: "/tmp/test-info.json"},
		},
		{
			name:    "missing info file path",
			config:  map[string]interface{}{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Params{
				Lifecycle: fxtest.NewLifecycle(t),
				Config:    newStaticProvider(t, tt.config),
				Logger:    zap.NewNop().Sugar(),
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUpdateField(t *testing.T) {
	infofile := filepath.Join(t.TempDir(), "info.json")
	m := module{
		logger:       zap.NewNop().Sugar(),
		infofile:     infofile,
		fileContents: make(map[string]string),
	}

	require.NoError(t, m.UpdateField("broker-address", "unix:///tmp/sessiond.sock"))
	require.NoError(t, m.UpdateField("version", "1"))

	raw, err := os.ReadFile(infofile)
	require.NoError(t, err)
	var contents map[string]string
	require.NoError(t, json.Unmarshal(raw, &contents))
	assert.Equal(t, "unix:///tmp/sessiond.sock", contents["broker-address"])
	assert.Equal(t, "1", contents["version"])
}

func TestOnStop(t *testing.T) {
	t.Run("file removed", func(t *testing.T) {
		infofile := filepath.Join(t.TempDir(), "info.json")
		require.NoError(t, os.WriteFile(infofile, []byte("{}"), 0644))

		m := module{
			logger:   zap.NewNop().Sugar(),
			infofile: infofile,
		}
		assert.NoError(t, m.OnStop(context.Background()))
		_, err := os.Stat(infofile)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("file never written", func(t *testing.T) {
		m := module{
			logger:   zap.NewNop().Sugar(),
			infofile: filepath.Join(t.TempDir(), "never-written.json"),
		}
		assert.NoError(t, m.OnStop(context.Background()))
	})
}
