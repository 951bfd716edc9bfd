package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleettrack/internal/model"
)

func TestConfig_DSN(t *testing.T) {
	c := Config{Host: "db", Port: 5432, Username: "u", Password: "p", Database: "fleet"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=fleet sslmode=disable", c.DSN())

	c.SSLMode = "require"
	assert.Contains(t, c.DSN(), "sslmode=require")
}

func TestManager_SqliteSetup(t *testing.T) {
	m := NewManager(Config{Driver: "sqlite"}, nil)
	require.NoError(t, m.Connect())
	defer m.Close()

	assert.True(t, m.IsValid)
	assert.True(t, m.ShouldSaveLocal)
	assert.False(t, m.IsPostgres())

	require.NoError(t, m.Setup())
	for _, tbl := range model.DatabaseModels {
		assert.True(t, m.DB.Migrator().HasTable(tbl))
	}

	var info model.FleetInfo
	require.NoError(t, m.DB.First(&info).Error)
	assert.Equal(t, "Fleet", info.Name)

	// second setup keeps the single fleet row
	require.NoError(t, m.Setup())
	var count int64
	m.DB.Model(&model.FleetInfo{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestManager_PostgresFallsBackToSqlite(t *testing.T) {
	m := NewManager(Config{Driver: "postgres", Host: "127.0.0.1", Port: 1, Username: "u", Database: "d"}, nil)
	require.NoError(t, m.Connect())
	defer m.Close()
	assert.True(t, m.ShouldSaveLocal)
	assert.True(t, m.IsValid)
}

func TestDumpMemoryToDisk(t *testing.T) {
	m := NewManager(Config{Driver: "sqlite"}, nil)
	require.NoError(t, m.Connect())
	defer m.Close()
	require.NoError(t, m.Setup())

	path := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))
	require.NoError(t, m.DumpMemoryToDisk(path))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(5))

	assert.Error(t, m.DumpMemoryToDisk(""))
}

func TestNotifyTriggerSQL(t *testing.T) {
	stmts := notifyTriggerSQL("positions")
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "pg_notify('positions'")
	assert.Contains(t, stmts[2], "AFTER INSERT ON vehicle_positions")
}
