package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "secret"

	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=device_provisioning sslmode=disable",
		cfg.DSN(),
	)
}

func TestPingWithoutPool(t *testing.T) {
	var conn *Connection
	assert.Error(t, conn.Ping(context.Background()))
	assert.Error(t, (&Connection{}).Ping(context.Background()))
}

func TestRunMigrationsRequiresPool(t *testing.T) {
	assert.Error(t, RunMigrations(nil))
}
