// config_test.go - Reply and retransmission core configuration tests.
// Copyright (C) 2018  Yawning Angel, David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/replyarq/core/retry"
)

const basicConfig = `
DataDir = "/tmp/replyarq"

[Logging]
  Level = "debug"

[Acknowledgements]
  RetransmissionTimeout = 2000
  Backoff = "Exponential"
  MaxRetransmissionTimeout = 30000
  MaxRetransmissions = 5
  Jitter = 0.1

[ReplySurbs]
  MinimumReplySurbStorageThreshold = 3

[Storage]
  Backend = "bolt"

[Metrics]
  Address = "127.0.0.1:6543"
`

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load(nil)
	require.NoError(err)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(BackoffFixed, cfg.Acknowledgements.Backoff)
	require.Equal(5*time.Second, cfg.Acknowledgements.Timeout())
	require.Equal(0, cfg.Acknowledgements.MaxRetransmissions)
	require.Equal(retry.DefaultJitter, cfg.Acknowledgements.Jitter)
	require.Equal(10, cfg.ReplySurbs.MinimumReplySurbStorageThreshold)
	require.Equal(200, cfg.ReplySurbs.MaximumReplySurbStorageThreshold)
	require.Equal(10*time.Second, cfg.ReplySurbs.RerequestWaitingPeriod())
	require.Equal(5*time.Minute, cfg.ReplySurbs.DropWaitingPeriod())
	require.Equal(12*time.Hour, cfg.ReplySurbs.SurbAge())
	require.Equal(24*time.Hour, cfg.ReplySurbs.KeyAge())
	require.Equal(BackendNone, cfg.Storage.Backend)
	require.Equal(time.Minute, cfg.Storage.Flush())
	require.Equal("", cfg.Metrics.Address)
	require.Equal(time.Second, cfg.Debug.CheckInterval())
	require.Equal(2048, cfg.Debug.FragmentPayloadSize)
	require.Equal(64, cfg.Debug.InputQueueSize)
}

func TestConfigBasic(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(BackoffExponential, cfg.Acknowledgements.Backoff)
	require.Equal(2*time.Second, cfg.Acknowledgements.Timeout())
	require.Equal(30*time.Second, cfg.Acknowledgements.MaxTimeout())
	require.Equal(5, cfg.Acknowledgements.MaxRetransmissions)
	require.Equal(0.1, cfg.Acknowledgements.Jitter)
	require.Equal(3, cfg.ReplySurbs.MinimumReplySurbStorageThreshold)
	require.Equal(filepath.Join("/tmp/replyarq", "reply_store.db"), cfg.Storage.Path)
	require.Equal("127.0.0.1:6543", cfg.Metrics.Address)
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"level":     "[Logging]\nLevel = \"LOUD\"\n",
		"backoff":   "[Acknowledgements]\nBackoff = \"linear\"\n",
		"bounds":    "[Acknowledgements]\nRetransmissionTimeout = 5000\nMaxRetransmissionTimeout = 10\n",
		"threshold": "[ReplySurbs]\nMinimumReplySurbStorageThreshold = 300\n",
		"request":   "[ReplySurbs]\nMinimumReplySurbRequestSize = 500\n",
		"backend":   "[Storage]\nBackend = \"sqlite\"\n",
		"boltpath":  "[Storage]\nBackend = \"bolt\"\n",
		"dsn":       "[Storage]\nBackend = \"postgres\"\n",
		"undecoded": "Bogus = true\n",
		"jitter":    "[Acknowledgements]\nJitter = 1.5\n",
		"payload":   "[Debug]\nFragmentPayloadSize = -1\n",
		"interval":  "[Debug]\nPendingReplyCheckInterval = -1000\n",
		"queue":     "[Debug]\nInputQueueSize = -1\n",
	} {
		_, err := Load([]byte(body))
		require.Error(t, err, name)
	}
}

func TestConfigLoadFile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "replyarq.toml")
	require.NoError(os.WriteFile(f, []byte(basicConfig), 0600))
	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal(BackendBolt, cfg.Storage.Backend)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)
}
