package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/vaultshift?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "vaultshift", User: "u", Password: "p"}))

	assert.Equal(t, "postgres://u:p%40ss@db:6543/x?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "x", User: "u", Password: "p@ss", SSLMode: "require"}))

	assert.Equal(t, "postgres://override", DSN(ClientConfig{DSN: " postgres://override ", Host: "ignored"}))

	assert.Equal(t, "postgres://u:p@[::1]:5432/x?sslmode=disable",
		DSN(ClientConfig{Host: "::1", Database: "x", User: "u", Password: "p"}))
}

func TestSchemaFiles(t *testing.T) {
	files, err := schemaFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_init.sql", files[0].name)
	assert.Len(t, files[0].sum, 64)
	for i := 1; i < len(files); i++ {
		assert.Less(t, files[i-1].name, files[i].name)
	}
	for _, table := range []string{"migrations", "audit_log", "request_nonces"} {
		assert.Contains(t, files[0].sql, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestListQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := listQuery("SELECT * FROM migrations WHERE position_id = $1", []any{int64(7)},
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	assert.True(t, strings.HasSuffix(q, "AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4"), q)
	assert.Equal(t, []any{int64(7), since, 10, 20}, args)

	q, args = listQuery("SELECT * FROM audit_log WHERE 1=1", nil, domain.ListOpts{})
	assert.Equal(t, "SELECT * FROM audit_log WHERE 1=1 ORDER BY created_at DESC", q)
	assert.Empty(t, args)
}
