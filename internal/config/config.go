// Package config loads the merged process configuration: defaults, merged
// with a YAML file, merged with environment overrides, the same layering
// the teacher gateway uses for its server.Config.
package config

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"

	"github.com/wireloom/llamaserve/internal/dumper"
	"github.com/wireloom/llamaserve/internal/log"
	"github.com/wireloom/llamaserve/internal/pkg/xcache"
)

// Config is the root configuration object. Every field carries both `conf`
// (viper/env) and `yaml` tags, as the teacher's server.Config does.
type Config struct {
	Server Server        `conf:"server" yaml:"server" json:"server"`
	Model  Model         `conf:"model" yaml:"model" json:"model"`
	Slots  Slots         `conf:"slots" yaml:"slots" json:"slots"`
	Auth   Auth          `conf:"auth" yaml:"auth" json:"auth"`
	Log    log.Config    `conf:"log" yaml:"log" json:"log"`
	Dumper dumper.Config `conf:"dumper" yaml:"dumper" json:"dumper"`
	Cache  xcache.Config `conf:"prompt_cache" yaml:"prompt_cache" json:"prompt_cache"`
}

// Server controls the HTTP listener.
type Server struct {
	Host           string        `conf:"host" yaml:"host" json:"host"`
	Port           int           `conf:"port" yaml:"port" json:"port"`
	Name           string        `conf:"name" yaml:"name" json:"name"`
	BasePath       string        `conf:"base_path" yaml:"base_path" json:"base_path"`
	ReadTimeout    time.Duration `conf:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	RequestTimeout time.Duration `conf:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	GenTimeout     time.Duration `conf:"generation_timeout" yaml:"generation_timeout" json:"generation_timeout"`
	Debug          bool          `conf:"debug" yaml:"debug" json:"debug"`
	CORS           CORS          `conf:"cors" yaml:"cors" json:"cors"`
}

type CORS struct {
	Enabled          bool          `conf:"enabled" yaml:"enabled" json:"enabled"`
	AllowedOrigins   []string      `conf:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string      `conf:"allowed_methods" yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string      `conf:"allowed_headers" yaml:"allowed_headers" json:"allowed_headers"`
	ExposedHeaders   []string      `conf:"exposed_headers" yaml:"exposed_headers" json:"exposed_headers"`
	AllowCredentials bool          `conf:"allow_credentials" yaml:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `conf:"max_age" yaml:"max_age" json:"max_age"`
}

// Model controls which model the backend loads and its static capabilities.
type Model struct {
	Path            string `conf:"path" yaml:"path" json:"path"`
	Alias           string `conf:"alias" yaml:"alias" json:"alias"`
	ChatTemplate    string `conf:"chat_template" yaml:"chat_template" json:"chat_template"`
	NCtx            int    `conf:"n_ctx" yaml:"n_ctx" json:"n_ctx"`
	NBatch          int    `conf:"n_batch" yaml:"n_batch" json:"n_batch"`
	NUbatch         int    `conf:"n_ubatch" yaml:"n_ubatch" json:"n_ubatch"`
	Embeddings      bool   `conf:"embeddings" yaml:"embeddings" json:"embeddings"`
	Reranking       bool   `conf:"reranking" yaml:"reranking" json:"reranking"`
	PoolingType     string `conf:"pooling_type" yaml:"pooling_type" json:"pooling_type"`
	Multimodal      bool   `conf:"multimodal" yaml:"multimodal" json:"multimodal"`
	MMProjPath      string `conf:"mmproj_path" yaml:"mmproj_path" json:"mmproj_path"`
	SpeculativePath string `conf:"speculative_model_path" yaml:"speculative_model_path" json:"speculative_model_path"`
	FIMPrefix       string `conf:"fim_prefix" yaml:"fim_prefix" json:"fim_prefix"`
	FIMSuffix       string `conf:"fim_suffix" yaml:"fim_suffix" json:"fim_suffix"`
	FIMMiddle       string `conf:"fim_middle" yaml:"fim_middle" json:"fim_middle"`
}

// Slots controls the scheduler's slot pool and cache/checkpoint limits.
type Slots struct {
	NParallel           int           `conf:"n_parallel" yaml:"n_parallel" json:"n_parallel"`
	ContextShift        bool          `conf:"context_shift" yaml:"context_shift" json:"context_shift"`
	CachePrompt         bool          `conf:"cache_prompt" yaml:"cache_prompt" json:"cache_prompt"`
	CacheRAMMiB         int           `conf:"cache_ram_mib" yaml:"cache_ram_mib" json:"cache_ram_mib"`
	SlotPromptSimilarity float64      `conf:"slot_prompt_similarity" yaml:"slot_prompt_similarity" json:"slot_prompt_similarity"`
	NCtxCheckpoints     int           `conf:"n_ctx_checkpoints" yaml:"n_ctx_checkpoints" json:"n_ctx_checkpoints"`
	IdleSleepMS         int64         `conf:"idle_sleep_ms" yaml:"idle_sleep_ms" json:"idle_sleep_ms"`
	PollingInterval     time.Duration `conf:"polling_interval" yaml:"polling_interval" json:"polling_interval"`
	FailOnNoSlot        bool          `conf:"fail_on_no_slot" yaml:"fail_on_no_slot" json:"fail_on_no_slot"`
	SlotSavePath        string        `conf:"slot_save_path" yaml:"slot_save_path" json:"slot_save_path"`
}

// Auth controls the shared API key gate.
type Auth struct {
	Enabled bool     `conf:"enabled" yaml:"enabled" json:"enabled"`
	APIKeys []string `conf:"api_keys" yaml:"api_keys" json:"api_keys"`
}

func Default() Config {
	return Config{
		Server: Server{
			Host:           "0.0.0.0",
			Port:           8080,
			Name:           "llamaserve",
			ReadTimeout:    30 * time.Second,
			RequestTimeout: 30 * time.Second,
			GenTimeout:     10 * time.Minute,
		},
		Model: Model{
			NCtx:        4096,
			NBatch:      2048,
			NUbatch:     512,
			PoolingType: "none",
		},
		Slots: Slots{
			NParallel:            4,
			ContextShift:         true,
			CachePrompt:          true,
			CacheRAMMiB:          2048,
			SlotPromptSimilarity: 0.5,
			NCtxCheckpoints:      8,
			IdleSleepMS:          0,
			PollingInterval:      time.Second,
			FailOnNoSlot:         false,
		},
		Log:    log.DefaultConfig(),
		Dumper: dumper.DefaultConfig(),
		Cache:  xcache.DefaultConfig(),
	}
}

// Load reads configFile (if non-empty and present) into viper, layers in
// LLAMASERVE_-prefixed environment variables, and merges the result onto
// Default() — file/env values win, defaults fill the rest.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LLAMASERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	merged := Default()
	if err := mergo.Merge(&merged, loaded, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}

	return merged, nil
}
