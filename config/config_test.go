package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gavel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const validConfig = `
node:
  id: 1
  protocol_address: "127.0.0.1:7001"
  router_address: "127.0.0.1:8001"
cluster:
  peers:
    - id: 1
      address: "127.0.0.1:7001"
    - id: 2
      address: "127.0.0.1:7002"
    - id: 3
      address: "127.0.0.1:7003"
timing:
  heartbeat_timeout: 25ms
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, uint64(1), cfg.Node.ID)
	require.Equal(t, Duration(25*time.Millisecond), cfg.Timing.HeartbeatTimeout)

	// unset fields fall back to defaults.
	require.Equal(t, DefaultMinLeaderTimeout, cfg.Timing.MinLeaderTimeout)
	require.Equal(t, DefaultMinElectionDelay, cfg.Timing.MinElectionDelay)

	require.ElementsMatch(t, []uint64{2, 3}, cfg.PeerIDs())
	require.Equal(t, map[uint64]string{
		2: "127.0.0.1:7002",
		3: "127.0.0.1:7003",
	}, cfg.PeerAddresses())

	core := cfg.CoreConfig()
	require.Equal(t, uint64(1), core.ID)
	require.Len(t, core.Peers, 2)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing id", `
node:
  protocol_address: "127.0.0.1:7001"
cluster:
  peers:
    - id: 2
      address: "127.0.0.1:7002"
`},
		{"self not in peers", `
node:
  id: 1
  protocol_address: "127.0.0.1:7001"
cluster:
  peers:
    - id: 2
      address: "127.0.0.1:7002"
`},
		{"duplicate peer", `
node:
  id: 1
  protocol_address: "127.0.0.1:7001"
cluster:
  peers:
    - id: 1
      address: "127.0.0.1:7001"
    - id: 1
      address: "127.0.0.1:7002"
`},
		{"address mismatch", `
node:
  id: 1
  protocol_address: "127.0.0.1:7001"
cluster:
  peers:
    - id: 1
      address: "127.0.0.1:9999"
`},
		{"no peers", `
node:
  id: 1
  protocol_address: "127.0.0.1:7001"
`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, test.body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
