package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 72*time.Hour, cfg.DedupRetention)
	assert.Equal(t, "500", cfg.CashTolerance.String())
	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Equal(t, "order_events", cfg.Kafka.OrderTopic)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("STORE_DRIVER", "bolt")
	t.Setenv("CASH_TOLERANCE", "1000")
	t.Setenv("PESAPAL_IPN_ID", "ipn-42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, "bolt", cfg.StoreDriver)
	assert.Equal(t, "1000", cfg.CashTolerance.String())
	assert.Equal(t, "ipn-42", cfg.Pesapal.IPNID)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := Load()
	assert.Error(t, err)
}
