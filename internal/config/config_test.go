package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEDGATE_STORE", "")
	t.Setenv("MEDGATE_PLATFORM_ADMINS", "")
	t.Setenv("MEDGATE_TRUSTED_PROXIES", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, []string{"admin@medgate.org"}, cfg.PlatformAdmins)
	assert.Equal(t, 5*time.Second, cfg.NotifyTimeout)
	assert.Equal(t, 5, cfg.SuspicionThreshold)
	assert.Zero(t, cfg.LedgerRetention)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEDGATE_STORE", "Postgres")
	t.Setenv("MEDGATE_PG_DSN", "postgres://localhost/medgate")
	t.Setenv("MEDGATE_PLATFORM_ADMINS", " Root@Medgate.org , ops@medgate.org,")
	t.Setenv("MEDGATE_NOTIFY_TIMEOUT", "750ms")
	t.Setenv("MEDGATE_LEDGER_RETENTION", "1000")
	t.Setenv("MEDGATE_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.5")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, []string{"root@medgate.org", "ops@medgate.org"}, cfg.PlatformAdmins)
	assert.Equal(t, 750*time.Millisecond, cfg.NotifyTimeout)
	assert.Equal(t, 1000, cfg.LedgerRetention)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.5"}, cfg.TrustedProxies)
}

func TestFromEnvRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("MEDGATE_STORE", "redis")
	t.Setenv("MEDGATE_REDIS_URL", "")
	_, err := FromEnv()
	require.Error(t, err)

	t.Setenv("MEDGATE_STORE", "memory")
	t.Setenv("MEDGATE_NOTIFY_TIMEOUT", "soon")
	_, err = FromEnv()
	require.Error(t, err)
}
