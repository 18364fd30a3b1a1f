package sqlexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDescriptorErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
		want string
	}{
		{
			name: "missing db_type",
			cfg:  map[string]any{"db_path": "/tmp/x.db"},
			want: "'db_type' is missing from connection_config.",
		},
		{
			name: "unsupported db_type",
			cfg:  map[string]any{"db_type": "mysql"},
			want: "Unsupported 'db_type': mysql. Must be 'sqlite', 'postgresql', or 'oracle'.",
		},
		{
			name: "sqlite without path",
			cfg:  map[string]any{"db_type": "sqlite"},
			want: "'db_path' not provided in connection_config for SQLite.",
		},
		{
			name: "bad port",
			cfg:  map[string]any{"db_type": "postgresql", "port": "abc"},
			want: "'port' must be a number, got \"abc\".",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescriptor(tt.cfg)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestParseDescriptorPostgres(t *testing.T) {
	d, err := ParseDescriptor(map[string]any{
		"db_type":  "postgresql",
		"dbname":   "bank",
		"user":     "analyst",
		"password": "pw",
		"host":     "db.internal",
	})
	require.NoError(t, err)
	assert.Equal(t, KindPostgres, d.Kind)
	assert.Equal(t, 5432, d.Port)
	assert.Equal(t, "postgresql|analyst|db.internal|5432|bank", d.CacheKey())

	d, err = ParseDescriptor(map[string]any{"db_type": "postgresql", "host": "h", "port": float64(6543)})
	require.NoError(t, err)
	assert.Equal(t, 6543, d.Port)
}

func TestParseDescriptorOracleDSN(t *testing.T) {
	d, err := ParseDescriptor(map[string]any{
		"db_type":  "oracle",
		"user":     "scott",
		"password": "tiger",
		"dsn":      "ora.internal:1522/ORCLPDB1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ora.internal", d.Host)
	assert.Equal(t, 1522, d.Port)
	assert.Equal(t, "ORCLPDB1", d.DBName)
	assert.Equal(t, "oracle|scott|ora.internal|1522|ORCLPDB1", d.CacheKey())

	d, err = ParseDescriptor(map[string]any{"db_type": "oracle", "dsn": "ora.internal/XE"})
	require.NoError(t, err)
	assert.Equal(t, 1521, d.Port)

	_, err = ParseDescriptor(map[string]any{"db_type": "oracle", "dsn": "no-service"})
	assert.Error(t, err)
}

func TestCacheKeyOmitsPassword(t *testing.T) {
	a, err := ParseDescriptor(map[string]any{"db_type": "postgresql", "host": "h", "user": "u", "password": "one"})
	require.NoError(t, err)
	b, err := ParseDescriptor(map[string]any{"db_type": "postgresql", "host": "h", "user": "u", "password": "two"})
	require.NoError(t, err)
	assert.Equal(t, a.CacheKey(), b.CacheKey())
	assert.NotContains(t, a.CacheKey(), "one")
}

func TestSQLiteCacheKeyIsPath(t *testing.T) {
	d, err := ParseDescriptor(map[string]any{"db_type": "sqlite", "db_path": "/data/mock.db"})
	require.NoError(t, err)
	assert.Equal(t, "/data/mock.db", d.CacheKey())
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(Descriptor{Kind: KindPostgres, User: "a b", Password: "p@ss", Host: "h", Port: 5432, DBName: "bank"})
	assert.Equal(t, "postgres://a%20b:p%40ss@h:5432/bank", dsn)
}
