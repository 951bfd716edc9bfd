package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/fleetdesk/fleettrack/internal/config"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// Measurement is the line protocol measurement for applied samples.
const Measurement = "vehicle_position"

// ErrDisabled is returned by Connect when the sink is switched off.
var ErrDisabled = errors.New("influx sink disabled")

// Manager mirrors applied position samples into InfluxDB, falling back to a
// gzip line protocol file when the server cannot be reached.
type Manager struct {
	cfg        config.InfluxConfig
	logger     *slog.Logger
	backupPath string

	mu         sync.Mutex
	client     influxdb2.Client
	writer     influxdb2_api.WriteAPI
	backup     *gzip.Writer
	backupFile *os.File
	valid      bool
	written    int
}

// NewManager creates a new InfluxDB manager.
func NewManager(cfg config.InfluxConfig, logger *slog.Logger, backupPath string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "influx"),
		backupPath: backupPath,
	}
}

// Connect establishes a connection to InfluxDB, or opens the backup file.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := m.client.Ping(ctx)
	if err != nil || !running {
		m.logger.Warn("InfluxDB unreachable, writing to backup file", "backupPath", m.backupPath, "error", err)
		return m.openBackupLocked()
	}

	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	m.createWriterLocked()
	m.valid = true
	m.logger.Info("InfluxDB client initialized", "bucket", m.cfg.Bucket)
	return nil
}

// OpenBackup switches the manager to file-only mode.
func (m *Manager) OpenBackup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openBackupLocked()
}

func (m *Manager) openBackupLocked() error {
	m.valid = false
	if m.backup != nil {
		return nil
	}
	file, err := os.OpenFile(m.backupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.backup = gzip.NewWriter(file)
	return nil
}

func (m *Manager) ensureBucket(ctx context.Context) error {
	orgs := m.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.logger.Info("Organization not found, creating", "org", m.cfg.Org)
		org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			return fmt.Errorf("creating organization %s: %w", m.cfg.Org, err)
		}
	}

	if _, err := m.client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err == nil {
		return nil
	}
	m.logger.Info("Bucket not found, creating", "bucket", m.cfg.Bucket)

	rule := domain.RetentionRuleTypeExpire
	_, err = m.client.BucketsAPI().CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: 60 * 60 * 24 * 30, // 30 days
	})
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", m.cfg.Bucket, err)
	}
	return nil
}

func (m *Manager) createWriterLocked() {
	m.writer = m.client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errs <-chan error) {
		for err := range errs {
			m.logger.Error("Error sending data to InfluxDB", "bucket", m.cfg.Bucket, "error", err)
		}
	}(m.writer.Errors())
}

// PointFromSample converts a sample to a line protocol point.
func PointFromSample(s core.PositionSample) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement(Measurement).
		AddTag("vehicle_id", s.EntityID).
		AddField("latitude", s.Latitude).
		AddField("longitude", s.Longitude).
		AddField("speed", s.Speed).
		SetTime(s.Timestamp)
	if h, ok := s.HeadingDegrees(); ok {
		p.AddField("heading", h)
	}
	return p
}

// WriteSample writes one sample to InfluxDB or the backup file.
func (m *Manager) WriteSample(s core.PositionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	point := PointFromSample(s)
	if m.valid {
		m.writer.WritePoint(point)
		m.written++
		return nil
	}
	if m.backup == nil {
		return errors.New("influxDB client not initialized and backup writer not available")
	}

	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.backup.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	m.written++
	return nil
}

// Sink returns a sample callback that logs write failures.
func (m *Manager) Sink() func(core.PositionSample) {
	return func(s core.PositionSample) {
		if err := m.WriteSample(s); err != nil {
			m.logger.Warn("sample not mirrored", "vehicle", s.EntityID, "error", err)
		}
	}
}

// Written returns the number of samples accepted so far.
func (m *Manager) Written() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// Close flushes pending points and releases the client and backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		m.writer.Flush()
	}
	if m.client != nil {
		m.client.Close()
	}
	var errs []error
	if m.backup != nil {
		errs = append(errs, m.backup.Close())
		errs = append(errs, m.backupFile.Close())
		m.backup, m.backupFile = nil, nil
	}
	m.valid = false
	return errors.Join(errs...)
}
