package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

const defaultJWTSecret = "dev-secret-change-me"

// ConfigPathEnvVar 可覆盖默认的配置文件路径。
const ConfigPathEnvVar = "CONFIG_PATH"

type Config struct {
	Port                  string   `koanf:"port"`
	DatabaseDSN           string   `koanf:"database_dsn"`
	RedisURL              string   `koanf:"redis_url"`
	JWTSecret             string   `koanf:"jwt_secret"`
	Env                   string   `koanf:"env"`
	AccessTokenTTLMinutes int      `koanf:"access_token_ttl_minutes"`
	RefreshTokenTTLDays   int      `koanf:"refresh_token_ttl_days"`
	SessionTTLHours       int      `koanf:"session_ttl_hours"`
	AllowedOrigins        []string `koanf:"allowed_origins"`
}

// envKeys 把历史环境变量名映射到 koanf 路径。
var envKeys = map[string]string{
	"APP_PORT":                 "port",
	"DATABASE_DSN":             "database_dsn",
	"REDIS_URL":                "redis_url",
	"JWT_SECRET":               "jwt_secret",
	"APP_ENV":                  "env",
	"ACCESS_TOKEN_TTL_MINUTES": "access_token_ttl_minutes",
	"REFRESH_TOKEN_TTL_DAYS":   "refresh_token_ttl_days",
	"SESSION_TTL_HOURS":        "session_ttl_hours",
	"ALLOWED_ORIGINS":          "allowed_origins",
}

var positiveIntKeys = map[string]bool{
	"access_token_ttl_minutes": true,
	"refresh_token_ttl_days":   true,
	"session_ttl_hours":        true,
}

func defaults() Config {
	return Config{
		Port:                  "8080",
		DatabaseDSN:           "host=localhost user=postgres password=postgres dbname=storypad port=5432 sslmode=disable TimeZone=UTC",
		JWTSecret:             defaultJWTSecret,
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		SessionTTLHours:       24,
		AllowedOrigins:        []string{"*"},
	}
}

// Load 按 默认值 -> YAML 文件 -> 环境变量 的顺序叠加配置，出错时退回默认值。
func Load() Config {
	cfg, err := LoadFile(findConfigFile())
	if err != nil {
		log.Warn().Err(err).Msg("config load, using defaults")
		return defaults()
	}
	return cfg
}

// LoadFile 与 Load 相同，但显式指定配置文件；path 为空时跳过文件层。
func LoadFile(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, err
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envValue 过滤未知变量与非法数值，非法数值保持下层的值。
func envValue(key, value string) (string, interface{}) {
	path, ok := envKeys[key]
	if !ok || value == "" {
		return "", nil
	}
	if positiveIntKeys[path] {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return "", nil
		}
		return path, n
	}
	if path == "allowed_origins" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return path, out
	}
	return path, value
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range []string{"storypad.yaml", "storypad.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate 拒绝无法启动或不安全的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("default jwt secret is not allowed outside dev")
	}
	return nil
}
