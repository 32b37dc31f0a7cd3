package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/challenges")
	t.Setenv("CHECKIN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("SERVICE_TOKEN", "svc")
	for _, k := range []string{"PORT", "ALLOWED_ORIGINS", "SCHEDULER_INTERVAL", "SCHEDULER_STARTUP_DELAY",
		"NONCE_SWEEP_INTERVAL", "FEE_RETRY_LOOKBACK", "PLAYER_SYNC_INTERVAL", "PLAYER_SYNC_PATH", "POLICY_DEFAULTS_FILE"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 30*time.Second, cfg.SchedulerStartDelay)
	assert.Equal(t, 7*24*time.Hour, cfg.FeeRetryLookback)
	assert.Equal(t, defaultPlayerSyncPath, cfg.PlayerSyncPath)
	assert.Equal(t, int64(1000), cfg.DefaultPolicy.NoShowFeeCents)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "8080")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SCHEDULER_INTERVAL", "600")
	t.Setenv("NONCE_SWEEP_INTERVAL", "5m")
	t.Setenv("CHECKIN_BASE_URL", "https://play.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 5*time.Minute, cfg.NonceSweepInterval)
	assert.Equal(t, "https://play.example.com", cfg.CheckInBaseURL)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{"missing database", map[string]string{"DATABASE_URL": ""}, "DATABASE_URL"},
		{"short secret", map[string]string{"CHECKIN_SECRET": "short"}, "CHECKIN_SECRET"},
		{"missing jwt secret", map[string]string{"AUTH_JWT_SECRET": ""}, "AUTH_JWT_SECRET"},
		{"missing service token", map[string]string{"SERVICE_TOKEN": ""}, "SERVICE_TOKEN"},
		{"bad duration", map[string]string{"SCHEDULER_INTERVAL": "soon"}, "SCHEDULER_INTERVAL"},
		{"zero interval", map[string]string{"SCHEDULER_INTERVAL": "0s"}, "SCHEDULER_INTERVAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLoadPolicyDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_show_fee_cents: 2500\nlate_fee_enabled: false\n"), 0o600))

	p, err := LoadPolicyDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), p.NoShowFeeCents)
	assert.False(t, p.LateFeeEnabled)
	assert.Equal(t, int64(500), p.LateFeeCents)
	assert.Equal(t, "usd", p.Currency)

	setRequired(t)
	t.Setenv("POLICY_DEFAULTS_FILE", path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(2500), cfg.DefaultPolicy.NoShowFeeCents)
}

func TestLoadPolicyDefaults_Rejects(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPolicyDefaults(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("late_fee_cents: -1\n"), 0o600))
	_, err = LoadPolicyDefaults(bad)
	assert.Error(t, err)
}

func TestLoadEnvFile_Missing(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	assert.NoError(t, LoadEnvFile())
}
