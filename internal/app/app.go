package app

import (
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/hideaway-io/hideaway/config"
	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/identity"
	"github.com/hideaway-io/hideaway/internal/mdmserver"
	"github.com/hideaway-io/hideaway/internal/orchestrator"
	"github.com/hideaway-io/hideaway/internal/profile"
	"github.com/hideaway-io/hideaway/internal/registry"
	"github.com/hideaway-io/hideaway/pkg/metrics"
)

type Application struct {
	appConfig     *config.AppConfig
	gormDB        *gorm.DB
	sched         *cron.Cron
	bus           EventBus.Bus
	configManager *ConfigManager

	registrySvc   *registry.Service
	identityStore *identity.Store
	orchSvc       *orchestrator.Service
	builder       *profile.Builder
	pushNotifier  *mdmserver.PushNotifier
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ SettingsProvider  = (*Application)(nil)
	_ ServiceProvider   = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	a.initLogger(cfg)

	if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	a.configManager = NewConfigManager(&GormSettingsRepository{DB: a.gormDB})

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	// wait for database initialization to complete
	go func() {
		time.Sleep(3 * time.Second)
		a.checkSuper()
		a.checkSettings()
		a.checkTemplates()
	}()

	a.initServices(cfg)
	a.initJob()
}

func (a *Application) initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.OutputPaths = []string{"stdout"}
	if cfg.Logger.FileEnable {
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, cfg.Logger.Filename)
	}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

// initServices wires the domain services. The registry owns device rows,
// the identity store anchors trust, the orchestrator owns command state.
func (a *Application) initServices(cfg *config.AppConfig) {
	a.bus = EventBus.New()

	ca, err := identity.LoadOrCreateCA(cfg.System.Workdir, "Hideaway Root CA",
		10*365*24*time.Hour)
	if err != nil {
		panic(err)
	}

	a.registrySvc = registry.NewService(
		registry.NewGormDeviceRepository(a.gormDB),
		registry.NewGormEventRepository(a.gormDB),
	)
	a.identityStore = identity.NewStore(
		identity.NewGormSessionRepository(a.gormDB),
		a.registrySvc,
		ca,
		time.Duration(cfg.Mdm.EnrollWindowSecs)*time.Second,
		time.Duration(cfg.Mdm.CertValidityDays)*24*time.Hour,
	)
	a.builder = profile.NewBuilder(nil, ca)
	a.orchSvc = orchestrator.NewService(
		orchestrator.NewGormCommandRepository(a.gormDB),
		a.registrySvc,
		a.builder,
		a.bus,
	)

	notifier, err := mdmserver.NewPushNotifier(cfg.Push, a.registrySvc, a.orchSvc, a.bus)
	if err != nil {
		panic(err)
	}
	if err := notifier.Start(); err != nil {
		zap.L().Error("push notifier failed to start", zap.Error(err))
	}
	a.pushNotifier = notifier
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

// ConfigMgr returns the runtime settings manager
func (a *Application) ConfigMgr() *ConfigManager {
	return a.configManager
}

// GetSettingsStringValue retrieves a string configuration value
func (a *Application) GetSettingsStringValue(category, key string) string {
	return a.configManager.GetString(category, key)
}

// GetSettingsInt64Value retrieves an int64 configuration value
func (a *Application) GetSettingsInt64Value(category, key string) int64 {
	return a.configManager.GetInt64(category, key)
}

// GetSettingsBoolValue retrieves a boolean configuration value
func (a *Application) GetSettingsBoolValue(category, key string) bool {
	return a.configManager.GetBool(category, key)
}

// Registry returns the device registry service
func (a *Application) Registry() *registry.Service {
	return a.registrySvc
}

// Identity returns the certificate and identity store
func (a *Application) Identity() *identity.Store {
	return a.identityStore
}

// Orchestrator returns the command orchestrator
func (a *Application) Orchestrator() *orchestrator.Service {
	return a.orchSvc
}

// ProfileBuilder returns the payload builder
func (a *Application) ProfileBuilder() *profile.Builder {
	return a.builder
}

// Bus returns the in-process event bus
func (a *Application) Bus() EventBus.Bus {
	return a.bus
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.pushNotifier != nil {
		a.pushNotifier.Stop()
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
