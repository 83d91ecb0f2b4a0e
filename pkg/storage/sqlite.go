package storage

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sashimono/agent/pkg/types"
)

// SQLiteStore implements Store on an embedded SQLite database
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the instance database at dbPath.
// Journaling stays enabled: a single status update must survive a crash
// between calls.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open instance database: %w", err)
	}

	if err := db.AutoMigrate(&types.Instance{}); err != nil {
		return nil, fmt.Errorf("failed to migrate instance schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertInstance persists a new instance record
func (s *SQLiteStore) InsertInstance(inst *types.Instance) error {
	if err := s.db.Create(inst).Error; err != nil {
		return fmt.Errorf("failed to insert instance %s: %w", inst.Name, err)
	}
	return nil
}

// GetInstance fetches a record by container name
func (s *SQLiteStore) GetInstance(name string) (*types.Instance, bool, error) {
	var inst types.Instance
	err := s.db.Where("name = ?", name).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read instance %s: %w", name, err)
	}
	return &inst, true, nil
}

// UpdateStatus mutates only the status column of a record
func (s *SQLiteStore) UpdateStatus(name string, status types.InstanceStatus) error {
	res := s.db.Model(&types.Instance{}).
		Where("name = ?", name).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update status of %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no instance named %s", name)
	}
	return nil
}

// ListInstances returns every record, including destroyed ones
func (s *SQLiteStore) ListInstances() ([]*types.Instance, error) {
	var instances []*types.Instance
	if err := s.db.Order("id").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// MaxPorts returns the highest peer and user port over non-destroyed rows
func (s *SQLiteStore) MaxPorts() (types.PortPair, error) {
	var row struct {
		Peer uint16
		User uint16
	}
	err := s.db.Model(&types.Instance{}).
		Select("COALESCE(MAX(peer_port), 0) AS peer, COALESCE(MAX(user_port), 0) AS user").
		Where("status <> ?", types.InstanceStatusDestroyed).
		Scan(&row).Error
	if err != nil {
		return types.PortPair{}, fmt.Errorf("failed to query max ports: %w", err)
	}
	return types.PortPair{Peer: row.Peer, User: row.User}, nil
}

// VacantPorts returns pairs from destroyed rows whose user_port is not held
// by any non-destroyed row
func (s *SQLiteStore) VacantPorts() ([]types.PortPair, error) {
	var rows []struct {
		Peer uint16
		User uint16
	}
	err := s.db.Model(&types.Instance{}).
		Select("peer_port AS peer, user_port AS user").
		Where("status = ?", types.InstanceStatusDestroyed).
		Where("user_port NOT IN (?)",
			s.db.Model(&types.Instance{}).
				Select("user_port").
				Where("status <> ?", types.InstanceStatusDestroyed)).
		Order("id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query vacant ports: %w", err)
	}

	// Two destroyed generations can leave the same pair twice
	seen := make(map[types.PortPair]bool, len(rows))
	pairs := make([]types.PortPair, 0, len(rows))
	for _, r := range rows {
		p := types.PortPair{Peer: r.Peer, User: r.User}
		if seen[p] {
			continue
		}
		seen[p] = true
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// AllocatedCount counts non-destroyed rows
func (s *SQLiteStore) AllocatedCount() (int64, error) {
	var count int64
	err := s.db.Model(&types.Instance{}).
		Where("status <> ?", types.InstanceStatusDestroyed).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return count, nil
}

// RunningInstances returns (username, name) for rows with status running
func (s *SQLiteStore) RunningInstances() ([]types.RunningInstance, error) {
	var rows []struct {
		Username string
		Name     string
	}
	err := s.db.Model(&types.Instance{}).
		Select("username, name").
		Where("status = ?", types.InstanceStatusRunning).
		Order("id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list running instances: %w", err)
	}

	running := make([]types.RunningInstance, 0, len(rows))
	for _, r := range rows {
		running = append(running, types.RunningInstance{Username: r.Username, Name: r.Name})
	}
	return running, nil
}
