package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/repository"
	"github.com/qs3c/reportflow/internal/testutil"
)

func setupCronService(t *testing.T, retention, interval time.Duration) (*Service, *gorm.DB, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	testutil.MigrateSandbox(t, db)

	svc := NewService(repository.NewJobRepository(db), retention, interval)
	return svc, db, func() { testutil.CleanupTestDB(t, db) }
}

func finishAt(t *testing.T, db *gorm.DB, id string, at time.Time) {
	t.Helper()

	err := db.Model(&model.JobRecord{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.StatusCompleted, "completed_at": &at}).Error
	require.NoError(t, err)
}

func TestNewService(t *testing.T) {
	svc := NewService(nil, time.Hour, 0)
	assert.Equal(t, time.Hour, svc.interval)
	assert.NotNil(t, svc.stopChan)
}

func TestService_RunNow(t *testing.T) {
	svc, db, cleanup := setupCronService(t, 24*time.Hour, time.Hour)
	defer cleanup()

	old := testutil.TestJob(t, db, 1, model.StatusPending)
	fresh := testutil.TestJob(t, db, 1, model.StatusPending)
	active := testutil.TestJob(t, db, 1, model.StatusAnalyzing)
	finishAt(t, db, old.ID, time.Now().Add(-30*time.Hour))
	finishAt(t, db, fresh.ID, time.Now().Add(-time.Hour))

	deleted, err := svc.RunNow()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var count int64
	db.Model(&model.JobRecord{}).Where("id IN ?", []string{fresh.ID, active.ID}).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestService_StartAndStop(t *testing.T) {
	svc, db, cleanup := setupCronService(t, time.Minute, 10*time.Millisecond)
	defer cleanup()

	old := testutil.TestJob(t, db, 1, model.StatusPending)
	finishAt(t, db, old.ID, time.Now().Add(-time.Hour))

	svc.Start()
	assert.Eventually(t, func() bool {
		var count int64
		db.Model(&model.JobRecord{}).Where("id = ?", old.ID).Count(&count)
		return count == 0
	}, time.Second, 10*time.Millisecond)

	svc.Stop()
	// 重复 Stop 不会 panic
	svc.Stop()
}

func TestService_Disabled(t *testing.T) {
	svc, _, cleanup := setupCronService(t, 0, time.Hour)
	defer cleanup()

	svc.Start()
	svc.Stop()
}
