package app

import (
	"errors"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/pkg/common"
)

func (a *Application) checkSuper() {
	const superUsername = "admin"
	const defaultPassword = "hideaway"

	hashedPassword := common.Sha256HashWithSalt(defaultPassword, common.GetSecretSalt())

	var operator domain.SysOpr
	err := a.gormDB.Where("username = ?", superUsername).First(&operator).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := a.gormDB.Create(&domain.SysOpr{
			ID:        common.UUIDint64(),
			Realname:  "administrator",
			Email:     "N/A",
			Username:  superUsername,
			Password:  hashedPassword,
			Level:     "super",
			Status:    common.ENABLED,
			Remark:    "super",
			LastLogin: time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default super admin", zap.Error(err))
		} else {
			zap.L().Info("initialized default super admin account", zap.String("username", superUsername))
		}
		return
	case err != nil:
		zap.L().Error("failed to query super admin", zap.Error(err))
		return
	}

	resetPassword := strings.TrimSpace(operator.Password) == ""
	resetLevel := !strings.EqualFold(operator.Level, "super")
	resetStatus := !strings.EqualFold(operator.Status, common.ENABLED)

	if !resetPassword && !resetLevel && !resetStatus {
		return
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if resetPassword {
		updates["password"] = hashedPassword
	}
	if resetLevel {
		updates["level"] = "super"
	}
	if resetStatus {
		updates["status"] = common.ENABLED
	}

	if err := a.gormDB.Model(&domain.SysOpr{}).Where("id = ?", operator.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to repair super admin account", zap.Error(err))
		return
	}

	zap.L().Warn("repaired default super admin account",
		zap.String("username", superUsername),
		zap.Bool("passwordReset", resetPassword),
		zap.Bool("levelReset", resetLevel),
		zap.Bool("statusEnabled", resetStatus))
}

// defaultSettings are created once and tunable afterwards through the
// sys_config table.
var defaultSettings = []domain.SysConfig{
	{Sort: 1, Type: "mdm", Name: "CheckinIntervalSecs", Value: "300", Remark: "Expected device check-in interval"},
	{Sort: 2, Type: "mdm", Name: "EventRetentionDays", Value: "90", Remark: "Device audit event retention"},
	{Sort: 3, Type: "system", Name: "OprLogRetentionDays", Value: "365", Remark: "Operator action log retention"},
}

func (a *Application) checkSettings() {
	for _, setting := range defaultSettings {
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", setting.Type, setting.Name).
			Count(&count)
		if count == 0 {
			setting.ID = common.UUIDint64()
			a.gormDB.Create(&setting)
			zap.L().Info("initialized config",
				zap.String("key", setting.Type+"."+setting.Name),
				zap.String("default", setting.Value))
		}
	}
}

// checkTemplates seeds the built-in focus presets.
func (a *Application) checkTemplates() {
	type preset struct {
		name    string
		apps    []string
		domains []string
		remark  string
	}
	presets := []preset{
		{
			name: "Study Mode",
			apps: []string{
				"com.burbn.instagram",
				"com.zhiliaoapp.musically",
				"com.google.ios.youtube",
				"com.atebits.Tweetie2",
			},
			domains: []string{"reddit.com", "twitch.tv"},
			remark:  "Blocks social and video apps during study hours",
		},
		{
			name: "Social Media Detox",
			apps: []string{
				"com.burbn.instagram",
				"com.facebook.Facebook",
				"com.zhiliaoapp.musically",
				"com.atebits.Tweetie2",
				"com.toyopagroup.picaboo",
			},
			remark: "Blocks all major social networks",
		},
		{
			name: "Work Mode",
			apps: []string{
				"com.zhiliaoapp.musically",
				"com.google.ios.youtube",
				"com.netflix.Netflix",
			},
			remark: "Blocks entertainment apps during working hours",
		},
	}

	for _, p := range presets {
		var count int64
		a.gormDB.Model(&domain.FocusTemplate{}).Where("name = ?", p.name).Count(&count)
		if count != 0 {
			continue
		}
		apps, _ := jsoniter.MarshalToString(p.apps)
		domains, _ := jsoniter.MarshalToString(p.domains)
		if err := a.gormDB.Create(&domain.FocusTemplate{
			ID:             common.UUIDint64(),
			Name:           p.name,
			BlockedApps:    apps,
			BlockedDomains: domains,
			Remark:         p.remark,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default template", zap.String("name", p.name), zap.Error(err))
		} else {
			zap.L().Info("initialized default template", zap.String("name", p.name))
		}
	}
}
