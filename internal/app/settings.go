package app

import (
	"errors"
	"sync"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hideaway-io/hideaway/internal/domain"
)

// SettingsRepository loads runtime setting rows from the sys_config table.
type SettingsRepository interface {
	// GetValue retrieves one setting value by category and name
	GetValue(ctype, name string) (string, error)
}

// GormSettingsRepository is the GORM implementation of SettingsRepository
type GormSettingsRepository struct {
	DB *gorm.DB
}

func (r *GormSettingsRepository) GetValue(ctype, name string) (string, error) {
	var cfg domain.SysConfig
	err := r.DB.Where("type = ? and name = ?", ctype, name).First(&cfg).Error
	if err != nil {
		return "", err
	}
	return cfg.Value, nil
}

// MemorySettingsRepository is an in-memory SettingsRepository used by
// tests. It mirrors the gorm implementation's not-found semantics.
type MemorySettingsRepository struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemorySettingsRepository() *MemorySettingsRepository {
	return &MemorySettingsRepository{values: make(map[string]string)}
}

func (r *MemorySettingsRepository) Set(ctype, name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[ctype+"."+name] = value
}

func (r *MemorySettingsRepository) GetValue(ctype, name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[ctype+"."+name]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	return v, nil
}

// ConfigManager reads runtime tunables from sys_config. A missing row
// falls back to the seeded default, so the typed getters never fail.
type ConfigManager struct {
	repo SettingsRepository
}

func NewConfigManager(repo SettingsRepository) *ConfigManager {
	return &ConfigManager{repo: repo}
}

func (m *ConfigManager) GetString(ctype, name string) string {
	v, err := m.repo.GetValue(ctype, name)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			zap.L().Warn("settings lookup failed",
				zap.String("key", ctype+"."+name), zap.Error(err))
		}
		return defaultSettingValue(ctype, name)
	}
	return v
}

func (m *ConfigManager) GetInt(ctype, name string) int {
	return cast.ToInt(m.GetString(ctype, name))
}

func (m *ConfigManager) GetInt64(ctype, name string) int64 {
	return cast.ToInt64(m.GetString(ctype, name))
}

func (m *ConfigManager) GetBool(ctype, name string) bool {
	return cast.ToBool(m.GetString(ctype, name))
}

func defaultSettingValue(ctype, name string) string {
	for _, s := range defaultSettings {
		if s.Type == ctype && s.Name == name {
			return s.Value
		}
	}
	return ""
}
