package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// DBConfig database configuration
type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// SysConfig system level configuration
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig operator API server configuration
type WebConfig struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	JwtSecret string `yaml:"jwt_secret" json:"jwt_secret"`
}

// MdmConfig device-facing gateway configuration
type MdmConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// ServerURL is the externally reachable MDM URL embedded in
	// enrollment profiles.
	ServerURL string `yaml:"server_url" json:"server_url"`
	// Topic is the push topic embedded in enrollment profiles.
	Topic string `yaml:"topic" json:"topic"`
	// EnrollWindowSecs bounds the enrollment challenge window.
	EnrollWindowSecs int `yaml:"enroll_window_secs" json:"enroll_window_secs"`
	// CertValidityDays bounds issued device certificates.
	CertValidityDays int `yaml:"cert_validity_days" json:"cert_validity_days"`
}

// PushConfig out-of-band wake notification configuration
type PushConfig struct {
	ServiceURL  string `yaml:"service_url" json:"service_url"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
	BackoffSecs int    `yaml:"backoff_secs" json:"backoff_secs"`
	Workers     int    `yaml:"workers" json:"workers"`
}

// LogConfig logger configuration
type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type AppConfig struct {
	System   SysConfig  `yaml:"system" json:"system"`
	Web      WebConfig  `yaml:"web" json:"web"`
	Mdm      MdmConfig  `yaml:"mdm" json:"mdm"`
	Push     PushConfig `yaml:"push" json:"push"`
	Database DBConfig   `yaml:"database" json:"database"`
	Logger   LogConfig  `yaml:"logger" json:"logger"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "hideaway",
		Location: "Asia/Shanghai",
		Workdir:  "/var/hideaway",
		Debug:    true,
	},
	Web: WebConfig{
		Host:      "0.0.0.0",
		Port:      1816,
		JwtSecret: "9b6de5cc-0731-1203-xxtx-0f568ac9da37",
	},
	Mdm: MdmConfig{
		Host:             "0.0.0.0",
		Port:             9000,
		ServerURL:        "https://mdm.example.com/mdm",
		Topic:            "com.apple.mgmt.External.hideaway",
		EnrollWindowSecs: 900,
		CertValidityDays: 365,
	},
	Push: PushConfig{
		ServiceURL:  "http://127.0.0.1:9100",
		Username:    "hideaway",
		Password:    "hideaway",
		MaxAttempts: 5,
		BackoffSecs: 2,
		Workers:     16,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "hideaway",
		User:     "postgres",
		Passwd:   "root",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/hideaway/hideaway.log",
	},
}

func setEnvValue(name string, f func(v string)) {
	if v, ok := os.LookupEnv(name); ok {
		f(v)
	}
}

// LoadConfig reads the YAML configuration file, applies environment
// overrides and returns the merged configuration. A missing file yields
// the defaults.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	setEnvValue("HIDEAWAY_SYSTEM_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("HIDEAWAY_DB_HOST", func(v string) { cfg.Database.Host = v })
	setEnvValue("HIDEAWAY_DB_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("HIDEAWAY_DB_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("HIDEAWAY_DB_PWD", func(v string) { cfg.Database.Passwd = v })
	setEnvValue("HIDEAWAY_WEB_JWT_SECRET", func(v string) { cfg.Web.JwtSecret = v })
	setEnvValue("HIDEAWAY_MDM_SERVER_URL", func(v string) { cfg.Mdm.ServerURL = v })
	setEnvValue("HIDEAWAY_PUSH_SERVICE_URL", func(v string) { cfg.Push.ServiceURL = v })

	return cfg
}
