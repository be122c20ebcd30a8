package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Poller  PollerConfig  `mapstructure:"poller"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Payment PaymentConfig `mapstructure:"payment"`
	Session SessionConfig `mapstructure:"session"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	NotifyURL      string        `mapstructure:"notify_url"` // 实时通知 websocket 地址，可选
}

type AuthConfig struct {
	Mode         string        `mapstructure:"mode"` // static, jwt, oauth2
	Token        string        `mapstructure:"token"`
	Secret       string        `mapstructure:"secret"`
	UserID       int64         `mapstructure:"user_id"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	TokenURL     string        `mapstructure:"token_url"`
	Scopes       []string      `mapstructure:"scopes"`
}

type PollerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxPolls   int           `mapstructure:"max_polls"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

type StreamConfig struct {
	Enabled       bool          `mapstructure:"enabled"`   // false 时用轮询观察任务
	Transport     string        `mapstructure:"transport"` // sse, websocket
	Debounce      time.Duration `mapstructure:"debounce"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	NavigateDelay time.Duration `mapstructure:"navigate_delay"`
}

type PaymentConfig struct {
	MinDisplay         time.Duration `mapstructure:"min_display"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BackgroundInterval time.Duration `mapstructure:"background_interval"`
	URLPayloadLimit    int           `mapstructure:"url_payload_limit"`
}

type SessionConfig struct {
	Driver string `mapstructure:"driver"` // redis, sqlite, mysql, memory
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type SandboxConfig struct {
	Host         string             `mapstructure:"host"`
	Port         int                `mapstructure:"port"`
	Mode         string             `mapstructure:"mode"`
	JWTSecret    string             `mapstructure:"jwt_secret"`
	StepInterval time.Duration      `mapstructure:"step_interval"`
	Prices       map[string]float64 `mapstructure:"prices"`
	Coupons      map[string]float64 `mapstructure:"coupons"` // 优惠码 -> 折扣金额
	FailProfiles []string           `mapstructure:"fail_profiles"`
	Driver       string             `mapstructure:"driver"` // sqlite, mysql
	DSN          string             `mapstructure:"dsn"`
	QueueName    string             `mapstructure:"queue_name"`
	// Retention 结束的任务保留多久，0 表示不清理
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// EmbeddedRedis 为 true 时进程内启动 miniredis，不连外部 Redis
	EmbeddedRedis bool       `mapstructure:"embedded_redis"`
	CORS          CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// Default 默认配置，配置文件中的值覆盖这些默认值
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Mode:     "static",
			TokenTTL: 5 * time.Minute,
		},
		Poller: PollerConfig{
			Interval:   2 * time.Second,
			RetryDelay: 2 * time.Second,
			MaxRetries: 3,
			MaxPolls:   300,
			MaxElapsed: 15 * time.Minute,
		},
		Stream: StreamConfig{
			Enabled:       true,
			Transport:     "sse",
			Debounce:      time.Second,
			BaseDelay:     2 * time.Second,
			MaxDelay:      30 * time.Second,
			MaxReconnects: 5,
			NavigateDelay: time.Second,
		},
		Payment: PaymentConfig{
			MinDisplay:         3 * time.Second,
			PollInterval:       time.Second,
			BackgroundInterval: 2 * time.Second,
			URLPayloadLimit:    1500,
		},
		Session: SessionConfig{
			Driver: "sqlite",
			DSN:    "reportflow.db",
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
		},
		Sandbox: SandboxConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Mode:         "debug",
			StepInterval: 2 * time.Second,
			Prices: map[string]float64{
				"linkedin":   499,
				"resume":     399,
				"comparison": 699,
			},
			Coupons: map[string]float64{
				"LAUNCH100": 100,
			},
			Driver:          "sqlite",
			DSN:             ":memory:",
			QueueName:       "reportflow:analysis_queue",
			Retention:       24 * time.Hour,
			CleanupInterval: time.Hour,
			EmbeddedRedis:   true,
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			},
		},
	}
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖，例如 API_BASE_URL
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
