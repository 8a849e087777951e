package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WBRIDGE_WASM_MAX_INSTANCES.
const EnvPrefix = "WBRIDGE"

type ServerConfig struct {
	BindingPaths []string     `mapstructure:"binding_paths"`
	LogLevel     string       `mapstructure:"log_level"`
	Wasm         WasmConfig   `mapstructure:"wasm"`
	Bridge       BridgeConfig `mapstructure:"bridge"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory. Empty disables the on-disk cache.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Guest call timeout (seconds). Zero disables it.
	ExecutionTimeout int `mapstructure:"execution_timeout"`
}

// Timeout returns the execution timeout as a duration.
func (c WasmConfig) Timeout() time.Duration {
	return time.Duration(c.ExecutionTimeout) * time.Second
}

// BridgeConfig sizes the per-instance boundary state.
type BridgeConfig struct {
	// Borrow stack slots at the bottom of the handle table.
	StackSize int `mapstructure:"stack_size"`
	// Cells appended when the handle table is full.
	GrowBlock int `mapstructure:"grow_block"`
	// Shadow stack bytes reserved for a fallible call's return area.
	ReturnArea uint32 `mapstructure:"return_area"`
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("binding_paths", []string{"./bindings"})
	v.SetDefault("log_level", "info")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.execution_timeout", 30)

	// Bridge defaults
	v.SetDefault("bridge.stack_size", 32)
	v.SetDefault("bridge.grow_block", 32)
	v.SetDefault("bridge.return_area", 16)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the bridge cannot run with.
func (c *ServerConfig) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	if c.Wasm.MaxInstances < 0 {
		return fmt.Errorf("wasm.max_instances must not be negative")
	}
	if c.Wasm.ExecutionTimeout < 0 {
		return fmt.Errorf("wasm.execution_timeout must not be negative")
	}
	if c.Bridge.StackSize <= 0 {
		return fmt.Errorf("bridge.stack_size must be positive")
	}
	if c.Bridge.GrowBlock <= 0 {
		return fmt.Errorf("bridge.grow_block must be positive")
	}
	if c.Bridge.ReturnArea < 8 || c.Bridge.ReturnArea%8 != 0 {
		return fmt.Errorf("bridge.return_area must be a positive multiple of 8, got %d", c.Bridge.ReturnArea)
	}
	return nil
}
