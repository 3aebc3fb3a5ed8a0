package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"framesync.io/internal/replica"
)

// Config is the server-side runtime configuration. Omitted fields keep
// their defaults, so a config file only needs to name what it changes.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	// MaxFrameBytes caps a single websocket frame before the connection
	// is dropped as misbehaving.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// CompressThreshold is the payload size above which outgoing frames
	// are zstd-compressed. Zero disables compression.
	CompressThreshold int `yaml:"compress_threshold"`

	Replication replica.Settings `yaml:"replication"`
}

func Default() Config {
	return Config{
		Listen:            ":8080",
		DataDir:           "./data",
		MaxFrameBytes:     1 << 20,
		CompressThreshold: 1024,
		Replication:       replica.DefaultSettings(),
	}
}

func Load(path string) (Config, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config.yaml: %w", err)
	}
	c.Replication = c.Replication.Normalized()
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	return c, nil
}
