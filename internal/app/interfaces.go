package app

import (
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/hideaway-io/hideaway/config"
	"github.com/hideaway-io/hideaway/internal/identity"
	"github.com/hideaway-io/hideaway/internal/orchestrator"
	"github.com/hideaway-io/hideaway/internal/registry"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SettingsProvider provides system settings access
type SettingsProvider interface {
	GetSettingsStringValue(category, key string) string
	GetSettingsInt64Value(category, key string) int64
	GetSettingsBoolValue(category, key string) bool
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// ServiceProvider exposes the wired domain services
type ServiceProvider interface {
	Registry() *registry.Service
	Identity() *identity.Store
	Orchestrator() *orchestrator.Service
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SettingsProvider
	SchedulerProvider
	ServiceProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
