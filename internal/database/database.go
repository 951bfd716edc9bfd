package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fleetdesk/fleettrack/internal/model"
)

// Config selects and addresses the database.
type Config struct {
	Driver   string // "postgres" or "sqlite"
	Host     string
	Port     int
	Username string
	Password string
	Database string
	SSLMode  string
	// SQLitePath is the SQLite file; empty means in-memory.
	SQLitePath string
	// NotifyChannel is the LISTEN channel the insert trigger notifies.
	NotifyChannel string
}

// DSN returns the Postgres connection string.
func (c Config) DSN() string {
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf(`host=%s port=%d user=%s password=%s dbname=%s sslmode=%s`,
		c.Host, c.Port, c.Username, c.Password, c.Database, ssl)
}

// Manager handles database connections and operations.
type Manager struct {
	DB              *gorm.DB
	SqlDB           *sql.DB
	IsValid         bool
	ShouldSaveLocal bool
	SqliteFilePath  string
	Logger          *slog.Logger

	cfg Config
}

// NewManager creates a new database manager.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = "vehicle_positions"
	}
	return &Manager{
		SqliteFilePath: cfg.SQLitePath,
		Logger:         log.With("component", "database"),
		cfg:            cfg,
	}
}

// Connect establishes a database connection, falling back to SQLite if Postgres fails.
func (m *Manager) Connect() error {
	var err error

	if m.cfg.Driver == "sqlite" {
		return m.useSqlite()
	}

	m.DB, err = GetPostgresDB(m.cfg.DSN())
	if err == nil {
		m.SqlDB, err = m.DB.DB()
	}
	if err == nil {
		err = m.SqlDB.Ping()
	}
	if err != nil {
		m.Logger.Error("Failed to connect to Postgres DB, trying SQLite", "error", err)
		return m.useSqlite()
	}

	m.Logger.Info("Connected to database", "host", m.cfg.Host, "database", m.cfg.Database)
	m.IsValid = true
	m.SqlDB.SetMaxOpenConns(10)
	return nil
}

func (m *Manager) useSqlite() error {
	var err error
	m.ShouldSaveLocal = true
	m.DB, err = GetSqliteDB(m.cfg.SQLitePath)
	if err != nil || m.DB == nil {
		m.IsValid = false
		return fmt.Errorf("failed to get local SQLite DB: %w", err)
	}
	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	if m.cfg.SQLitePath != "" {
		m.Logger.Info("Using local SQLite DB", "path", m.cfg.SQLitePath)
	} else {
		m.Logger.Info("Using local SQLite DB in memory")
	}
	m.IsValid = true
	return nil
}

// IsPostgres reports whether the live connection is Postgres.
func (m *Manager) IsPostgres() bool {
	return m.DB != nil && m.DB.Dialector.Name() == "postgres"
}

// Setup migrates tables, creates the default fleet row and, on Postgres,
// installs the trigger that notifies inserted positions.
func (m *Manager) Setup() error {
	if !m.DB.Migrator().HasTable(&model.FleetInfo{}) {
		if err := m.DB.AutoMigrate(&model.FleetInfo{}); err != nil {
			m.IsValid = false
			return fmt.Errorf("failed to create fleet_infos table: %w", err)
		}
		if err := m.DB.Create(&model.FleetInfo{Name: "Fleet", Description: "Default fleet"}).Error; err != nil {
			m.IsValid = false
			return fmt.Errorf("failed to create fleet_infos entry: %w", err)
		}
	}

	m.Logger.Info("Migrating schema")
	if err := m.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	if m.IsPostgres() {
		for _, stmt := range notifyTriggerSQL(m.cfg.NotifyChannel) {
			if err := m.DB.Exec(stmt).Error; err != nil {
				m.IsValid = false
				return fmt.Errorf("failed to install position notify trigger: %w", err)
			}
		}
		m.Logger.Info("Position notify trigger installed", "channel", m.cfg.NotifyChannel)
	}

	m.Logger.Info("Database setup complete")
	return nil
}

// notifyTriggerSQL publishes every inserted position as an INSERT change
// event on channel.
func notifyTriggerSQL(channel string) []string {
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION fleettrack_notify_position() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('%s', json_build_object(
    'type', 'INSERT',
    'table', TG_TABLE_NAME,
    'record', json_build_object(
      'vehicle_id', NEW.vehicle_id,
      'latitude', NEW.latitude,
      'longitude', NEW.longitude,
      'recorded_at', NEW.recorded_at,
      'speed', NEW.speed,
      'heading', NEW.heading
    )
  )::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;`, channel),
		`DROP TRIGGER IF EXISTS vehicle_positions_notify ON vehicle_positions;`,
		`CREATE TRIGGER vehicle_positions_notify AFTER INSERT ON vehicle_positions
FOR EACH ROW EXECUTE FUNCTION fleettrack_notify_position();`,
	}
}

// DumpMemoryToDisk vacuums the in-memory database to a file.
func (m *Manager) DumpMemoryToDisk(path string) error {
	if path == "" {
		return fmt.Errorf("sqlite file path not set")
	}
	start := time.Now()
	if err := DumpMemoryDBToDisk(m.DB, path); err != nil {
		return err
	}
	m.Logger.Debug("Dumped memory DB to disk", "path", path, "duration", time.Since(start))
	return nil
}

// Close closes the underlying pool.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	return m.SqlDB.Close()
}

// GetPostgresDB opens a Postgres connection.
func GetPostgresDB(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

// GetSqliteDB opens a SQLite database. If path is empty, uses an in-memory
// database private to this connection pool.
func GetSqliteDB(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if path == "" {
		// every pooled connection would otherwise see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = MEMORY;",
		"PRAGMA synchronous = OFF;",
		"PRAGMA cache_size = -32000;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}
	return db, nil
}

// DumpMemoryDBToDisk vacuums the in-memory database to a disk file.
func DumpMemoryDBToDisk(db *gorm.DB, sqliteFilePath string) error {
	if sqliteFilePath == "" {
		return fmt.Errorf("sqlite file path not set")
	}

	if exists, err := os.Stat(sqliteFilePath); err == nil && exists != nil {
		if err := os.Remove(sqliteFilePath); err != nil {
			return fmt.Errorf("error removing existing DB file: %w", err)
		}
	}

	if err := db.Exec("VACUUM INTO ?", sqliteFilePath).Error; err != nil {
		return fmt.Errorf("error dumping memory DB to disk: %w", err)
	}
	return nil
}
