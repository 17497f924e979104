package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/settings"
	"github.com/stretchr/testify/require"
)

type fakeSettingsRepo struct {
	mu        sync.Mutex
	rows      map[string]models.UserSettings
	getErr    error
	createErr error
	updateErr error
	locked    int
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{rows: map[string]models.UserSettings{}}
}

func (f *fakeSettingsRepo) Get(_ context.Context, userID string) (models.UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return models.UserSettings{}, f.getErr
	}
	s, ok := f.rows[userID]
	if !ok {
		return models.UserSettings{}, common.ErrorNotFound
	}
	return s.Clone(), nil
}

func (f *fakeSettingsRepo) GetForUpdate(ctx context.Context, userID string) (models.UserSettings, error) {
	f.mu.Lock()
	f.locked++
	f.mu.Unlock()
	return f.Get(ctx, userID)
}

func (f *fakeSettingsRepo) Create(_ context.Context, s models.UserSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.rows[s.UserID]; ok {
		return common.ErrVersionConflict
	}
	f.rows[s.UserID] = s.Clone()
	return nil
}

func (f *fakeSettingsRepo) Update(_ context.Context, s models.UserSettings, expected int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.rows[s.UserID].Version != expected {
		return common.ErrVersionConflict
	}
	f.rows[s.UserID] = s.Clone()
	return nil
}

func (f *fakeSettingsRepo) Version(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[userID].Version, nil
}

type fakeDevicesRepo struct {
	mu      sync.Mutex
	rows    map[string]models.Device
	touched []string
}

func newFakeDevicesRepo() *fakeDevicesRepo {
	return &fakeDevicesRepo{rows: map[string]models.Device{}}
}

func (f *fakeDevicesRepo) Register(_ context.Context, d models.Device) (models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := d.UserID + "/" + d.DeviceID
	if old, ok := f.rows[key]; ok {
		old.Name = d.Name
		old.LastSeenAt = d.RegisteredAt
		f.rows[key] = old
		return old, nil
	}
	d.LastSeenAt = d.RegisteredAt
	f.rows[key] = d
	return d, nil
}

func (f *fakeDevicesRepo) Get(_ context.Context, userID, deviceID string) (models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[userID+"/"+deviceID]
	if !ok {
		return models.Device{}, common.ErrorNotFound
	}
	return d, nil
}

func (f *fakeDevicesRepo) Touch(_ context.Context, userID, deviceID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, deviceID)
	return nil
}

func (f *fakeDevicesRepo) Revoke(_ context.Context, userID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "/" + deviceID
	d, ok := f.rows[key]
	if !ok {
		return common.ErrorNotFound
	}
	d.Revoked = true
	f.rows[key] = d
	return nil
}

func (f *fakeDevicesRepo) List(_ context.Context, userID string) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Device
	for _, d := range f.rows {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeRepoManager struct {
	settings *fakeSettingsRepo
	devices  *fakeDevicesRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Settings(dbx.DBTX) settings.Repository       { return m.settings }
func (m *fakeRepoManager) Devices(dbx.DBTX) devices.Repository         { return m.devices }

type recordingPublisher struct {
	mu        sync.Mutex
	published []models.UserSettings
}

func (p *recordingPublisher) Publish(s models.UserSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, s)
}

func (p *recordingPublisher) versions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for _, s := range p.published {
		out = append(out, s.Version)
	}
	return out
}

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}
