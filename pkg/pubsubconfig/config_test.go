package pubsubconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ZookeeperHosts, cfg.ZookeeperHosts)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: broker\nzone: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RoleBroker, cfg.Role)
	assert.Equal(t, 3, cfg.Zone)
	assert.Equal(t, Default().SleepPeriod, cfg.SleepPeriod)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"broker needs zone", Config{Role: RoleBroker, ZookeeperHosts: []string{"h"}}, true},
		{"broker ok", Config{Role: RoleBroker, ZookeeperHosts: []string{"h"}, Zone: 1}, false},
		{"publisher needs topics", Config{Role: RolePublisher, ZookeeperHosts: []string{"h"}, Offered: 1}, true},
		{"publisher ok", Config{Role: RolePublisher, ZookeeperHosts: []string{"h"}, Offered: 1, Topics: []string{"a"}}, false},
		{"no hosts", Config{Role: RoleBackupPool}, true},
		{"unknown role", Config{Role: "bogus", ZookeeperHosts: []string{"h"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
