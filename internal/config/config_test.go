package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicolasdb/time-tracker-webapp/internal/reconstruct"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("INGEST_TIMEOUT", "not-a-duration")

	cfg := Load()
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.False(t, cfg.IngestRelaxedMode)
	require.Equal(t, 2*time.Second, cfg.IngestTimeout)
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INGEST_RELAXED_MODE", "true")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("MIN_VALID_DURATION", "45s")
	t.Setenv("OUTBOX_BATCH_SIZE", "100")

	cfg := Load()
	require.True(t, cfg.IngestRelaxedMode)
	require.Equal(t, DriverSQLite, cfg.StoreDriver)
	require.Equal(t, 45*time.Second, cfg.MinValidDuration)
	require.Equal(t, 100, cfg.OutboxBatchSize)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Load()
	cfg.StoreDriver = "mongo"
	require.ErrorContains(t, cfg.Validate(), "STORE_DRIVER")
}

func TestParsePolicy(t *testing.T) {
	doc := `
min_duration: 45s
tie_break: strict
default_zone: UTC
tag_zones:
  tag-42: Europe/Brussels
device_zones:
  reader-01: America/New_York
`
	policy, err := ParsePolicy(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, policy.MinDuration)
	require.Equal(t, reconstruct.TieBreakStrict, policy.TieBreak)
	require.Equal(t, "Europe/Brussels", policy.ZoneFor("tag-42", "reader-01").String())
	require.Equal(t, "America/New_York", policy.ZoneFor("tag-7", "reader-01").String())
	require.Equal(t, time.UTC, policy.ZoneFor("tag-7", "reader-02"))
}

func TestParsePolicyErrors(t *testing.T) {
	cases := map[string]string{
		"unknown key":  "min_durations: 1s\n",
		"bad duration": "min_duration: soon\n",
		"negative":     "min_duration: -1s\n",
		"tie break":    "tie_break: coin-flip\n",
		"zone":         "tag_zones:\n  t: Mars/Olympus\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	policy, err := LoadPolicy("", 0)
	require.NoError(t, err)
	require.Equal(t, reconstruct.DefaultPolicy().MinDuration, policy.MinDuration)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_duration: 1m\n"), 0o600))

	policy, err = LoadPolicy(path, 0)
	require.NoError(t, err)
	require.Equal(t, time.Minute, policy.MinDuration)

	policy, err = LoadPolicy(path, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, policy.MinDuration)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"), 0)
	require.ErrorContains(t, err, "open policy file")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")
	logger.Info("dropped")
	logger.Warn("kept", "device_id", "reader-01")
	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), `"device_id":"reader-01"`)
}
