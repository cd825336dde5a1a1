package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/pkg/models"
)

// StateStore сохраняет состояние движка между перезапусками.
// Load возвращает found=false, если состояние еще не сохранялось.
type StateStore interface {
	Load(ctx context.Context) (snapshot models.StateSnapshot, found bool, err error)
	Save(ctx context.Context, snapshot models.StateSnapshot) error
	Close() error
}

// NewStateStore создает хранилище состояния по конфигурации
func NewStateStore(ctx context.Context, cfg config.StateConfig) (StateStore, error) {
	switch cfg.Type {
	case "file":
		return NewFileStateStore(cfg.Path), nil
	case "redis":
		return NewRedisStateStore(ctx, cfg)
	case "", "none":
		return NopStateStore{}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип хранилища состояния: %s", cfg.Type)
	}
}

// FileStateStore хранит состояние в JSON-файле
type FileStateStore struct {
	path string
}

// NewFileStateStore создает файловое хранилище
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

func (s *FileStateStore) Load(context.Context) (models.StateSnapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.StateSnapshot{}, false, nil
	}
	if err != nil {
		return models.StateSnapshot{}, false, fmt.Errorf("ошибка чтения состояния: %w", err)
	}
	snapshot, err := decodeSnapshot(data)
	if err != nil {
		return models.StateSnapshot{}, false, err
	}
	return snapshot, true, nil
}

// Save пишет во временный файл и переименовывает его, чтобы сбой не оставил
// наполовину записанное состояние
func (s *FileStateStore) Save(_ context.Context, snapshot models.StateSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации состояния: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ошибка создания каталога состояния: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("ошибка записи состояния: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("ошибка замены файла состояния: %w", err)
	}
	return nil
}

func (s *FileStateStore) Close() error { return nil }

// RedisStateStore хранит состояние в одном ключе Redis
type RedisStateStore struct {
	client *redis.Client
	key    string
}

// NewRedisStateStore подключается к Redis и проверяет соединение
func NewRedisStateStore(ctx context.Context, cfg config.StateConfig) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ошибка соединения с Redis: %w", err)
	}
	return &RedisStateStore{client: client, key: cfg.RedisKey}, nil
}

func (s *RedisStateStore) Load(ctx context.Context) (models.StateSnapshot, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.StateSnapshot{}, false, nil
	}
	if err != nil {
		return models.StateSnapshot{}, false, fmt.Errorf("ошибка чтения состояния из Redis: %w", err)
	}
	snapshot, err := decodeSnapshot(data)
	if err != nil {
		return models.StateSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *RedisStateStore) Save(ctx context.Context, snapshot models.StateSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("ошибка сериализации состояния: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("ошибка записи состояния в Redis: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

// NopStateStore не сохраняет состояние
type NopStateStore struct{}

func (NopStateStore) Load(context.Context) (models.StateSnapshot, bool, error) {
	return models.StateSnapshot{}, false, nil
}

func (NopStateStore) Save(context.Context, models.StateSnapshot) error { return nil }

func (NopStateStore) Close() error { return nil }

func decodeSnapshot(data []byte) (models.StateSnapshot, error) {
	var snapshot models.StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return models.StateSnapshot{}, fmt.Errorf("ошибка разбора состояния: %w", err)
	}
	if snapshot.Positions == nil {
		snapshot.Positions = make(map[string]models.Position)
	}
	if snapshot.Cooldowns == nil {
		snapshot.Cooldowns = make(map[string]time.Time)
	}
	return snapshot, nil
}
