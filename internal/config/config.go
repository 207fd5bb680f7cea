package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	WebDir   string

	DefaultModel    string
	DefaultProvider string

	ApprovalTimeout time.Duration
	EventBufferSize int
}

// fileConfig is the YAML shape. Durations are strings ("30s", "5m") since
// yaml.v3 has no native time.Duration decoding.
type fileConfig struct {
	HTTPAddr        string `yaml:"http_addr"`
	DataDir         string `yaml:"data_dir"`
	DBPath          string `yaml:"db_path"`
	WebDir          string `yaml:"web_dir"`
	DefaultModel    string `yaml:"default_model"`
	DefaultProvider string `yaml:"default_provider"`
	ApprovalTimeout string `yaml:"approval_timeout"`
	EventBufferSize int    `yaml:"event_buffer_size"`
}

// Load builds the runtime configuration. Precedence, lowest to highest:
// built-in defaults, the optional YAML file named by COWORKD_CONFIG (or
// ./coworkd.yaml when present), then environment variables. A .env file in
// the working directory seeds the environment without overriding it.
func Load() Config {
	loadDotEnv(".env")

	cfg := Config{
		HTTPAddr:        ":8080",
		DataDir:         "data",
		WebDir:          "web",
		DefaultModel:    "cowork-default",
		DefaultProvider: "local",
		ApprovalTimeout: 5 * time.Minute,
		EventBufferSize: 100,
	}
	loadFile(&cfg)

	cfg.HTTPAddr = getEnv("COWORKD_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("COWORKD_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("COWORKD_DB_PATH", cfg.DBPath)
	cfg.WebDir = getEnv("COWORKD_WEB_DIR", cfg.WebDir)
	cfg.DefaultModel = getEnv("COWORKD_DEFAULT_MODEL", cfg.DefaultModel)
	cfg.DefaultProvider = getEnv("COWORKD_DEFAULT_PROVIDER", cfg.DefaultProvider)
	cfg.ApprovalTimeout = getEnvDuration("COWORKD_APPROVAL_TIMEOUT", cfg.ApprovalTimeout)
	cfg.EventBufferSize = getEnvInt("COWORKD_EVENT_BUFFER", cfg.EventBufferSize)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "coworkd.db")
	}
	return cfg
}

func loadFile(cfg *Config) {
	path := os.Getenv("COWORKD_CONFIG")
	if path == "" {
		path = "coworkd.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return
	}
	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.WebDir != "" {
		cfg.WebDir = fc.WebDir
	}
	if fc.DefaultModel != "" {
		cfg.DefaultModel = fc.DefaultModel
	}
	if fc.DefaultProvider != "" {
		cfg.DefaultProvider = fc.DefaultProvider
	}
	if fc.ApprovalTimeout != "" {
		if d, err := time.ParseDuration(fc.ApprovalTimeout); err == nil {
			cfg.ApprovalTimeout = d
		}
	}
	if fc.EventBufferSize > 0 {
		cfg.EventBufferSize = fc.EventBufferSize
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
