// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossbear/hunter/internal/proxy"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.ErrorIs(err, ErrInvalidConfig, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
DataDir = "/var/lib/crossbear-hunter"

[Logging]
Level = "debug"

[Coordinator]
Host = "crossbear.example.org"
CertificateFile = "/etc/crossbear/cbserver.crt"
PinMode = "certificate"

[Hunter]
Interval = 600

[Tracer]
MaxHops = 30

[UpstreamProxy]
Type = "socks5"
Network = "tcp"
Address = "127.0.0.1:9050"

[Metrics]
Address = "127.0.0.1:6543"
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("crossbear.example.org", cfg.Coordinator.Host)
	require.Equal(443, cfg.Coordinator.Port)
	require.Equal(80, cfg.Coordinator.PublicIPPort)
	require.Equal("/etc/crossbear/cbserver.crt", cfg.Coordinator.CertificateFile)
	require.Equal("/getHuntingTaskList.jsp", cfg.Coordinator.TaskListPath)
	require.Equal(10*time.Second, cfg.Coordinator.Timeout())
	require.Equal(time.Minute, cfg.Hunter.Validity())
	require.Equal(10*time.Minute, cfg.Hunter.CycleInterval())
	require.Equal(5, cfg.Hunter.BatchSize)
	require.Equal("/var/lib/crossbear-hunter/hunter.db", cfg.Hunter.StateDB)
	require.Equal(30*time.Minute, cfg.Hunter.OutboxLifetime())
	require.Equal(30, cfg.Tracer.MaxHops)
	require.Equal(5, cfg.Tracer.SamplesPerHop)
	require.Equal(time.Second, cfg.Tracer.Timeout())
	require.Equal(2, cfg.CertFetch.Attempts)
	require.Equal(10*time.Second, cfg.CertFetch.HandshakeTimeout())
	require.Equal(proxy.TypeSocks5, cfg.UpstreamProxy.Type)
	require.Equal("127.0.0.1:6543", cfg.Metrics.Address)
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`DataDir = "/srv/hunter"`))
	require.NoError(err)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(defaultCoordinatorHost, cfg.Coordinator.Host)
	require.Equal("/srv/hunter/cbserver.crt", cfg.Coordinator.CertificateFile)
	require.Equal("spki", cfg.Coordinator.PinMode)
	require.Zero(cfg.Hunter.CycleInterval())
	require.Equal(proxy.TypeNone, cfg.UpstreamProxy.Type)
	require.Empty(cfg.Metrics.Address)
}

func TestConfigInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"syntax":         `DataDir = `,
		"relative dir":   `DataDir = "hunter"`,
		"undecoded key":  "DataDir = \"/srv\"\nBogus = 1\n",
		"log level":      "DataDir = \"/srv\"\n[Logging]\nLevel = \"LOUD\"\n",
		"pin mode":       "DataDir = \"/srv\"\n[Coordinator]\nPinMode = \"sha1\"\n",
		"port":           "DataDir = \"/srv\"\n[Coordinator]\nPort = 70000\n",
		"public ip port": "DataDir = \"/srv\"\n[Coordinator]\nPublicIPPort = -80\n",
		"path":           "DataDir = \"/srv\"\n[Coordinator]\nReportPath = \"report\"\n",
		"batch":          "DataDir = \"/srv\"\n[Hunter]\nBatchSize = -1\n",
		"outbox ttl":     "DataDir = \"/srv\"\n[Hunter]\nOutboxTTL = -1\n",
		"hops":           "DataDir = \"/srv\"\n[Tracer]\nMaxHops = 300\n",
		"attempts":       "DataDir = \"/srv\"\n[CertFetch]\nAttempts = -2\n",
		"proxy":          "DataDir = \"/srv\"\n[UpstreamProxy]\nType = \"http\"\n",
		"metrics":        "DataDir = \"/srv\"\n[Metrics]\nAddress = \"localhost\"\n",
	} {
		_, err := Load([]byte(body))
		require.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	f := filepath.Join(dir, "hunter.toml")
	require.NoError(os.WriteFile(f, []byte("DataDir = \""+filepath.ToSlash(dir)+"\"\n"), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal(filepath.Join(dir, "hunter.db"), cfg.Hunter.StateDB)

	_, err = LoadFile(filepath.Join(dir, "missing.toml"))
	require.Error(err)
}
