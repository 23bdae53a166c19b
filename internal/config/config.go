package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Telegram TelegramConfig `json:"telegram"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string        `json:"env"`              // 运行环境: local / prod
	LogLevel       string        `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`        // API 服务监听地址
	ScanInterval   time.Duration `json:"scan_interval"`    // 提醒扫描周期（如 "10m"）
	WindowRadius   time.Duration `json:"window_radius"`    // 扫描窗口半径（如 "10m"）
	WorkerCount    int           `json:"worker_count"`     // 派发 Worker Pool 大小
	QueueCapacity  int           `json:"queue_capacity"`   // 派发队列容量
	HabitPageSize  int           `json:"habit_page_size"`  // 习惯列表页大小
	UserPageSize   int           `json:"user_page_size"`   // 用户列表页大小
	SendRate       float64       `json:"send_rate"`        // 出站发送限流速率（msg/s）
	SendBurst      float64       `json:"send_burst"`       // 出站发送限流桶容量
	PublicCacheTTL time.Duration `json:"public_cache_ttl"` // 公开列表缓存 TTL
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// TelegramConfig Telegram 网关配置。
type TelegramConfig struct {
	BotToken    string        `json:"bot_token"`    // Bot Token（为空则不派发提醒）
	APIEndpoint string        `json:"api_endpoint"` // API 端点模板（默认官方地址）
	SendTimeout time.Duration `json:"send_timeout"` // 单次 sendMessage 超时
	PollTimeout time.Duration `json:"poll_timeout"` // 单次 getUpdates 超时
}

// EmailConfig 邮件通知配置（注册验证码）。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret  string        `json:"jwt_secret"`  // JWT 签名密钥
	AccessTTL  time.Duration `json:"access_ttl"`  // access token 有效期
	RefreshTTL time.Duration `json:"refresh_ttl"` // refresh token 有效期
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值；
// 环境变量始终优先覆盖文件内容。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8081",
			ScanInterval:   10 * time.Minute,
			WindowRadius:   10 * time.Minute,
			WorkerCount:    10,
			QueueCapacity:  200,
			HabitPageSize:  5,
			UserPageSize:   10,
			SendRate:       20,
			SendBurst:      5,
			PublicCacheTTL: 30 * time.Second,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/habittracker?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Telegram: TelegramConfig{
			BotToken:    "",
			APIEndpoint: "https://api.telegram.org/bot%s/%s",
			SendTimeout: 10 * time.Second,
			PollTimeout: 15 * time.Second,
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
		},
		Security: SecurityConfig{
			JWTSecret:  "dev_secret_change_me",
			AccessTTL:  24 * time.Hour,
			RefreshTTL: 7 * 24 * time.Hour,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.ScanInterval == 0 {
		cfg.App.ScanInterval = defaults.App.ScanInterval
	}
	if cfg.App.WindowRadius == 0 {
		cfg.App.WindowRadius = defaults.App.WindowRadius
	}
	if cfg.App.WorkerCount == 0 {
		cfg.App.WorkerCount = defaults.App.WorkerCount
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.HabitPageSize == 0 {
		cfg.App.HabitPageSize = defaults.App.HabitPageSize
	}
	if cfg.App.UserPageSize == 0 {
		cfg.App.UserPageSize = defaults.App.UserPageSize
	}
	if cfg.App.SendRate == 0 {
		cfg.App.SendRate = defaults.App.SendRate
	}
	if cfg.App.SendBurst == 0 {
		cfg.App.SendBurst = defaults.App.SendBurst
	}
	if cfg.App.PublicCacheTTL == 0 {
		cfg.App.PublicCacheTTL = defaults.App.PublicCacheTTL
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Telegram.APIEndpoint == "" {
		cfg.Telegram.APIEndpoint = defaults.Telegram.APIEndpoint
	}
	if cfg.Telegram.SendTimeout == 0 {
		cfg.Telegram.SendTimeout = defaults.Telegram.SendTimeout
	}
	if cfg.Telegram.PollTimeout == 0 {
		cfg.Telegram.PollTimeout = defaults.Telegram.PollTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.AccessTTL == 0 {
		cfg.Security.AccessTTL = defaults.Security.AccessTTL
	}
	if cfg.Security.RefreshTTL == 0 {
		cfg.Security.RefreshTTL = defaults.Security.RefreshTTL
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("telegram_bot_token", "TELEGRAM_BOT_TOKEN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ScanInterval = d
		}
	}
	if v := os.Getenv("APP_WINDOW_RADIUS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.WindowRadius = d
		}
	}
	if v := os.Getenv("APP_WORKER_COUNT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerCount = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_HABIT_PAGE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.HabitPageSize = i
		}
	}
	if v := os.Getenv("APP_USER_PAGE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.UserPageSize = i
		}
	}
	if v := os.Getenv("APP_SEND_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.SendRate = f
		}
	}
	if v := os.Getenv("APP_SEND_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.SendBurst = f
		}
	}
	if v := os.Getenv("APP_PUBLIC_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PublicCacheTTL = d
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("telegram_bot_token"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_API_ENDPOINT"); v != "" {
		cfg.Telegram.APIEndpoint = v
	}
	if v := os.Getenv("TELEGRAM_SEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Telegram.SendTimeout = d
		}
	}
	if v := os.Getenv("TELEGRAM_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Telegram.PollTimeout = d
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "habittracker",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScanInterval   string `json:"scan_interval"`
		WindowRadius   string `json:"window_radius"`
		PublicCacheTTL string `json:"public_cache_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ScanInterval != "" {
		duration, err := time.ParseDuration(aux.ScanInterval)
		if err != nil {
			return fmt.Errorf("invalid scan_interval format: %w", err)
		}
		a.ScanInterval = duration
	}
	if aux.WindowRadius != "" {
		duration, err := time.ParseDuration(aux.WindowRadius)
		if err != nil {
			return fmt.Errorf("invalid window_radius format: %w", err)
		}
		a.WindowRadius = duration
	}
	if aux.PublicCacheTTL != "" {
		duration, err := time.ParseDuration(aux.PublicCacheTTL)
		if err != nil {
			return fmt.Errorf("invalid public_cache_ttl format: %w", err)
		}
		a.PublicCacheTTL = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		ScanInterval   string `json:"scan_interval"`
		WindowRadius   string `json:"window_radius"`
		PublicCacheTTL string `json:"public_cache_ttl"`
		*Alias
	}{
		ScanInterval:   a.ScanInterval.String(),
		WindowRadius:   a.WindowRadius.String(),
		PublicCacheTTL: a.PublicCacheTTL.String(),
		Alias:          (*Alias)(&a),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (t *TelegramConfig) UnmarshalJSON(data []byte) error {
	type Alias TelegramConfig
	aux := &struct {
		SendTimeout string `json:"send_timeout"`
		PollTimeout string `json:"poll_timeout"`
		*Alias
	}{
		Alias: (*Alias)(t),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.SendTimeout != "" {
		duration, err := time.ParseDuration(aux.SendTimeout)
		if err != nil {
			return fmt.Errorf("invalid send_timeout format: %w", err)
		}
		t.SendTimeout = duration
	}
	if aux.PollTimeout != "" {
		duration, err := time.ParseDuration(aux.PollTimeout)
		if err != nil {
			return fmt.Errorf("invalid poll_timeout format: %w", err)
		}
		t.PollTimeout = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (t TelegramConfig) MarshalJSON() ([]byte, error) {
	type Alias TelegramConfig
	return json.Marshal(&struct {
		SendTimeout string `json:"send_timeout"`
		PollTimeout string `json:"poll_timeout"`
		*Alias
	}{
		SendTimeout: t.SendTimeout.String(),
		PollTimeout: t.PollTimeout.String(),
		Alias:       (*Alias)(&t),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		AccessTTL  string `json:"access_ttl"`
		RefreshTTL string `json:"refresh_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.AccessTTL != "" {
		duration, err := time.ParseDuration(aux.AccessTTL)
		if err != nil {
			return fmt.Errorf("invalid access_ttl format: %w", err)
		}
		s.AccessTTL = duration
	}
	if aux.RefreshTTL != "" {
		duration, err := time.ParseDuration(aux.RefreshTTL)
		if err != nil {
			return fmt.Errorf("invalid refresh_ttl format: %w", err)
		}
		s.RefreshTTL = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s SecurityConfig) MarshalJSON() ([]byte, error) {
	type Alias SecurityConfig
	return json.Marshal(&struct {
		AccessTTL  string `json:"access_ttl"`
		RefreshTTL string `json:"refresh_ttl"`
		*Alias
	}{
		AccessTTL:  s.AccessTTL.String(),
		RefreshTTL: s.RefreshTTL.String(),
		Alias:      (*Alias)(&s),
	})
}
