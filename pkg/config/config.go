package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("config",
	fx.Provide(New),
)

type Config struct {
	AppEnv  string `mapstructure:"APP_ENV"`
	AppName string `mapstructure:"APP_NAME"`

	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`

	TLS struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`

	Database struct {
		Type     string `mapstructure:"TYPE"`
		Host     string `mapstructure:"HOST"`
		Port     string `mapstructure:"PORT"`
		DBName   string `mapstructure:"DBNAME"`
		User     string `mapstructure:"USER"`
		Password string `mapstructure:"PASSWORD"`
		SSLMode  string `mapstructure:"SSLMODE"`
	} `mapstructure:"DATABASE"`

	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`

	// Manager is consumed by the delegate binary to reach the control plane.
	Manager struct {
		Addr           string        `mapstructure:"ADDR"`
		RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	} `mapstructure:"MANAGER"`

	Delegate struct {
		ID            string        `mapstructure:"ID"`
		AccountID     string        `mapstructure:"ACCOUNT_ID"`
		PollInterval  time.Duration `mapstructure:"POLL_INTERVAL"`
		MaxConcurrent int64         `mapstructure:"MAX_CONCURRENT"`
	} `mapstructure:"DELEGATE"`

	Sweep struct {
		Every      time.Duration `mapstructure:"EVERY"`
		StaleAfter time.Duration `mapstructure:"STALE_AFTER"`
	} `mapstructure:"SWEEP"`
}

// New loads configuration from an optional config.yaml plus environment
// variables. Environment keys use underscores, e.g. HTTP_SERVER_ADDR.
func New() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskfleet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Warn("[Config] failed to read config file", zap.Error(err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Error("[Config] failed to unmarshal config", zap.Error(err))
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "taskfleet")

	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)

	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.DBNAME", "taskfleet.db")
	v.SetDefault("DATABASE.SSLMODE", "disable")

	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 30*time.Second)

	v.SetDefault("MANAGER.ADDR", "http://127.0.0.1:8080")
	v.SetDefault("MANAGER.REQUEST_TIMEOUT", 30*time.Second)

	v.SetDefault("DELEGATE.POLL_INTERVAL", 60*time.Second)
	v.SetDefault("DELEGATE.MAX_CONCURRENT", int64(10))

	v.SetDefault("SWEEP.EVERY", time.Minute)
	v.SetDefault("SWEEP.STALE_AFTER", 10*time.Minute)
}
