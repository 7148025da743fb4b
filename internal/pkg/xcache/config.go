package xcache

import "time"

// Mode selects the cache backend. Only in-process memory is supported: the
// scheduler is single-threaded and single-host (see spec Non-goals on
// distributed inference), so there is no second tier to chain into.
const (
	ModeMemory = "memory"
	ModeOff    = ""
)

type Config struct {
	Mode   string       `conf:"mode" yaml:"mode" json:"mode"`
	Memory MemoryConfig `conf:"memory" yaml:"memory" json:"memory"`
}

type MemoryConfig struct {
	Expiration      time.Duration `conf:"expiration" yaml:"expiration" json:"expiration"`
	CleanupInterval time.Duration `conf:"cleanup_interval" yaml:"cleanup_interval" json:"cleanup_interval"`
}

func DefaultConfig() Config {
	return Config{
		Mode: ModeMemory,
		Memory: MemoryConfig{
			Expiration:      30 * time.Minute,
			CleanupInterval: 10 * time.Minute,
		},
	}
}
