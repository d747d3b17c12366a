package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	// gorm.Open 默认会自动 Ping 一次
	mock.ExpectPing()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, PoolConfig{
		MaxIdleConns: 2,
		MaxOpenConns: 10,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, manager)
	defer manager.Close()

	assert.NotNil(t, manager.DB())
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

// ---

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	// sqlmock 只提供单个连接；MaxIdleConns 为 0 会把它关掉
	manager, err := NewPoolManager(gormDB, PoolConfig{MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	// sqlmock 只提供单个连接；MaxIdleConns 为 0 会把它关掉
	manager, err := NewPoolManager(gormDB, PoolConfig{MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	called := false
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRollback(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	// sqlmock 只提供单个连接；MaxIdleConns 为 0 会把它关掉
	manager, err := NewPoolManager(gormDB, PoolConfig{MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("insert failed")
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_ClosedRejectsOperations(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	// sqlmock 只提供单个连接；MaxIdleConns 为 0 会把它关掉
	manager, err := NewPoolManager(gormDB, PoolConfig{MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	mock.ExpectClose()
	require.NoError(t, manager.Close())

	assert.Error(t, manager.Ping(context.Background()))
	assert.Error(t, manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil }))

	// 重复关闭幂等
	assert.NoError(t, manager.Close())
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, 2, cfg.MaxIdleConns)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
}
