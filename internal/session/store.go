package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/database"
)

// Store 客户端本地持久化的键值存储
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

const redisKeyPrefix = "reportflow:"

// RedisStore 基于 Redis 的存储
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, redisKeyPrefix+key).Err()
}

// Record 本地存储表的一行
type Record struct {
	Key       string    `gorm:"primaryKey;size:191"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"index"`
}

func (Record) TableName() string {
	return "client_storage"
}

// SQLStore 基于 gorm 的存储，默认 SQLite 文件
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore 创建并迁移表
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate client storage: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("`key` = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

// Set 覆盖写
func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	rec := Record{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("`key` = ?", key).Delete(&Record{}).Error
}

// MemoryStore 进程内存储，不跨进程持久化
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Open 按配置打开存储，返回的 close 函数释放连接
func Open(cfg *config.Config) (Store, func() error, error) {
	switch cfg.Session.Driver {
	case "redis":
		rdb, err := database.NewRedis(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisStore(rdb), rdb.Close, nil
	case "sqlite", "mysql":
		db, err := database.NewSQL(cfg.Session.Driver, cfg.Session.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
		return store, closeFn, nil
	case "memory":
		return NewMemoryStore(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown session driver %q", cfg.Session.Driver)
}
