// =============================================================================
// 📦 AgentCell 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTCELL").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentcell/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentCell 运行时的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Broker 内嵌消息总线配置
	Broker BrokerConfig `yaml:"broker" env:"BROKER"`

	// Transport 客户端传输配置
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Store 持久后端配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Supervisor 重启策略配置
	Supervisor SupervisorConfig `yaml:"supervisor" env:"SUPERVISOR"`

	// Metrics 指标暴露配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Agents 要启动的 Agent 列表（仅文件配置，不支持环境变量覆盖）
	Agents []types.AgentConfig `yaml:"agents" env:"-"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// BrokerConfig 内嵌消息总线配置
type BrokerConfig struct {
	// 是否启动内嵌总线
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 原生套接字监听地址
	TCPAddr string `yaml:"tcp_addr" env:"TCP_ADDR"`
	// WebSocket 监听地址（HTTP 服务地址）
	WSAddr string `yaml:"ws_addr" env:"WS_ADDR"`
	// WebSocket 挂载路径
	WSPath string `yaml:"ws_path" env:"WS_PATH"`
}

// TransportConfig 客户端传输配置
type TransportConfig struct {
	// 传输类型: tcp, ws
	Kind string `yaml:"kind" env:"KIND"`
	// 服务地址
	URL string `yaml:"url" env:"URL"`
	// 单次操作超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 重连次数上限
	MaxReconnects int `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	// 重连间隔
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	// 订阅投递缓冲
	SubscribeBuffer int `yaml:"subscribe_buffer" env:"SUBSCRIBE_BUFFER"`
}

// StoreConfig 持久后端配置
type StoreConfig struct {
	// 文件后端根目录
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// SQLite 数据库路径
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	// Redis 地址
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// Redis 密码
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// Redis 数据库编号
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
	// Redis 键前缀
	RedisKeyPrefix string `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
}

// SupervisorConfig 重启策略配置
type SupervisorConfig struct {
	// 滑动窗口内允许的最大重启次数
	MaxRestarts int `yaml:"max_restarts" env:"MAX_RESTARTS"`
	// 滑动窗口长度
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// MetricsConfig 指标暴露配置
type MetricsConfig struct {
	// 是否暴露 Prometheus 指标
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
}

// DefaultConfig 返回带默认值的配置
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Broker: BrokerConfig{
			Enabled: true,
			TCPAddr: "127.0.0.1:4222",
			WSAddr:  "127.0.0.1:8080",
			WSPath:  "/ws",
		},
		Transport: TransportConfig{
			Kind:            "tcp",
			URL:             "nats://127.0.0.1:4222",
			Timeout:         10 * time.Second,
			MaxReconnects:   10,
			ReconnectDelay:  time.Second,
			SubscribeBuffer: 64,
		},
		Store: StoreConfig{
			BaseDir:        "./data",
			SQLitePath:     "./data/state.db",
			RedisAddr:      "127.0.0.1:6379",
			RedisKeyPrefix: "agentcell:",
		},
		Supervisor: SupervisorConfig{
			MaxRestarts: 3,
			Window:      time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Validate 检查配置一致性
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "tcp", "ws":
	default:
		return fmt.Errorf("unknown transport kind: %q", c.Transport.Kind)
	}
	for _, ac := range c.Agents {
		if err := ac.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", ac.ID, err)
		}
	}
	return nil
}

// =============================================================================
// 🛠 加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTCELL",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
