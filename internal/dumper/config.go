package dumper

// Config controls the debug dumper. Disabled by default; enabling it in
// production is a deliberate operator choice since it writes request/decode
// payloads to disk.
type Config struct {
	Enabled  bool   `conf:"enabled" yaml:"enabled" json:"enabled"`
	DumpPath string `conf:"dump_path" yaml:"dump_path" json:"dump_path"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		DumpPath: "./dumps",
	}
}
