// Package config loads process settings from environment variables and an
// optional config file, with the defaults the client historically shipped.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultModels is the model catalogue shown in the model switcher.
var DefaultModels = []string{
	"deepseek-ai/DeepSeek-V3",
	"deepseek-ai/DeepSeek-R1",
	"Qwen/QwQ-32B",
	"Qwen/Qwen2.5-Coder-32B-Instruct",
	"Qwen/Qwen3-235B-A22B-Instruct-2507",
	"Tongyi-Zhiwen/QwenLong-L1-32B",
	"tencent/Hunyuan-A13B-Instruct",
	"THUDM/glm-4-9b-chat",
}

type Config struct {
	DBPath  string `mapstructure:"db_path"`
	LogPath string `mapstructure:"log_path"`

	APIURL string `mapstructure:"api_url"`
	APIKey string `mapstructure:"api_key"`

	Models       []string `mapstructure:"models"`
	DefaultModel string   `mapstructure:"default_model"`

	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ContextTokenBudget int           `mapstructure:"context_token_budget"`
	HistoryPageSize    int           `mapstructure:"history_page_size"`

	AuthCodeFile   string `mapstructure:"auth_code_file"`
	AuthMarkerFile string `mapstructure:"auth_marker_file"`
}

// Load reads kieran-nlp.yaml from the working directory when present;
// environment variables (KIERAN_API_KEY, KIERAN_API_URL, ...) override it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", "chat_history.db")
	v.SetDefault("log_path", "log/error.log")
	v.SetDefault("api_url", "https://api.siliconflow.cn/v1/chat/completions")
	v.SetDefault("api_key", "")
	v.SetDefault("models", DefaultModels)
	v.SetDefault("default_model", DefaultModels[0])
	v.SetDefault("request_timeout", time.Minute)
	v.SetDefault("context_token_budget", 8192)
	v.SetDefault("history_page_size", 50)
	v.SetDefault("auth_code_file", "authorized/auth_code.txt")
	v.SetDefault("auth_marker_file", "authorized/auth_marker.txt")

	v.SetConfigName("kieran-nlp")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("kieran")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.DefaultModel == "" && len(cfg.Models) > 0 {
		cfg.DefaultModel = cfg.Models[0]
	}
	return &cfg, nil
}

// NewLogger builds the process logger, mirroring output into the configured
// log file alongside stderr.
func NewLogger(logPath string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, fmt.Errorf("config: create log dir: %w", err)
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, logPath)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}
	return logger, nil
}
