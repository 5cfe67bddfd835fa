package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Поддерживаемые хранилища метаданных
const (
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

type Config struct {
	AppPort int    `mapstructure:"APP_PORT"`
	DataDir string `mapstructure:"DATA_DIR"`

	// --- Метаданные ---
	MetaBackend   string `mapstructure:"META_BACKEND"`
	MetaDBPath    string `mapstructure:"META_DB_PATH"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`

	// --- Хранилище ---
	ChunkSize    int  `mapstructure:"CHUNK_SIZE"`
	RenameToHash bool `mapstructure:"RENAME_TO_HASH"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var defaults = map[string]interface{}{
	"APP_PORT":       8080,
	"DATA_DIR":       "./data",
	"META_BACKEND":   BackendBolt,
	"META_DB_PATH":   "",
	"REDIS_ADDR":     "localhost:6379",
	"REDIS_DB":       0,
	"REDIS_PASSWORD": "",
	"REDIS_PREFIX":   "material:",
	"CHUNK_SIZE":     1 << 20,
	"RENAME_TO_HASH": false,
	"LOG_LEVEL":      "info",
	"LOG_FORMAT":     "text",
}

// String реализует интерфейс Stringer
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("  AppPort: %d\n", c.AppPort))
	sb.WriteString(fmt.Sprintf("  DataDir: %s\n", c.DataDir))
	sb.WriteString(fmt.Sprintf("  MetaBackend: %s\n", c.MetaBackend))
	sb.WriteString(fmt.Sprintf("  MetaDBPath: %s\n", c.MetaDBPath))
	sb.WriteString(fmt.Sprintf("  RedisAddr: %s\n", c.RedisAddr))
	sb.WriteString(fmt.Sprintf("  RedisDB: %d\n", c.RedisDB))

	// пароль маскируем
	if c.RedisPassword != "" {
		sb.WriteString("  RedisPassword: ********\n")
	} else {
		sb.WriteString("  RedisPassword: (empty)\n")
	}

	sb.WriteString(fmt.Sprintf("  RedisPrefix: %s\n", c.RedisPrefix))
	sb.WriteString(fmt.Sprintf("  ChunkSize: %d\n", c.ChunkSize))
	sb.WriteString(fmt.Sprintf("  RenameToHash: %v\n", c.RenameToHash))
	sb.WriteString(fmt.Sprintf("  LogLevel: %s\n", c.LogLevel))
	sb.WriteString(fmt.Sprintf("  LogFormat: %s\n", c.LogFormat))
	return sb.String()
}

// Validate проверяет значения, которые нельзя исправить молча
func (c *Config) Validate() error {
	switch c.MetaBackend {
	case BackendBolt, BackendRedis:
	default:
		return errors.Errorf("unknown META_BACKEND %q", c.MetaBackend)
	}
	if c.ChunkSize <= 0 {
		return errors.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return errors.Errorf("APP_PORT out of range: %d", c.AppPort)
	}
	return nil
}

// LoadFromEnv загружает конфигурацию из переменных окружения
func LoadFromEnv() (*Config, error) {
	// Загружаем .env только для локальной разработки
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "failed to load .env")
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	// Регистрируем интересующие ключи окружения
	for k, def := range defaults {
		v.SetDefault(k, def)
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unable to decode config")
	}
	cfg.MetaBackend = strings.ToLower(strings.TrimSpace(cfg.MetaBackend))
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = filepath.Join(cfg.DataDir, "meta.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
