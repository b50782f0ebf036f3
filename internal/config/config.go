// Package config loads the listrescue configuration from a YAML file and
// applies environment variable overrides on top.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Duration unmarshals from YAML strings like "90s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return eris.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Renderer configures the external document renderer.
type Renderer struct {
	// Binary is the renderer executable. Required for the render command.
	Binary    string   `yaml:"binary"`
	ExtraArgs []string `yaml:"extra_args"`
	Timeout   Duration `yaml:"timeout"`
	// Workers caps the number of concurrent renderer processes.
	Workers int `yaml:"workers"`
}

// Merge configures document consolidation.
type Merge struct {
	// Tool is an external page-merge binary (pdfunite convention:
	// inputs... output). Empty means merge in process.
	Tool              string   `yaml:"tool"`
	BatchSize         int      `yaml:"batch_size"`
	ExternalThreshold int      `yaml:"external_threshold"`
	Timeout           Duration `yaml:"timeout"`
}

// Config is the full listrescue configuration.
type Config struct {
	// MessagesDir holds the damaged export: <msgid>.json records and the
	// topics/ subdirectory.
	MessagesDir string `yaml:"messages_dir"`
	// AttachmentsDir holds recovered attachment files.
	AttachmentsDir string `yaml:"attachments_dir"`
	// OutputDir receives rebuilt messages, rendered documents, the
	// consolidated archive and the run-state database.
	OutputDir string `yaml:"output_dir"`
	// ListenAddr is the status API address for the serve command.
	ListenAddr string `yaml:"listen_addr"`
	// PublishPrefix is the key prefix used when publishing artifacts.
	PublishPrefix string `yaml:"publish_prefix"`

	Renderer Renderer `yaml:"renderer"`
	Merge    Merge    `yaml:"merge"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MessagesDir:    "./export/messages",
		AttachmentsDir: "./export/attachments",
		OutputDir:      "./out",
		ListenAddr:     ":8090",
		PublishPrefix:  "archive",
		Renderer: Renderer{
			Timeout: Duration(90 * time.Second),
			Workers: runtime.NumCPU(),
		},
		Merge: Merge{
			BatchSize:         1000,
			ExternalThreshold: 2000,
			Timeout:           Duration(10 * time.Minute),
		},
	}
}

// Load reads the YAML file at path, if it exists, and applies environment
// overrides. A missing file is not an error: defaults plus environment
// are enough to run.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, eris.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err):
		// fine, run on defaults
	default:
		return cfg, eris.Wrapf(err, "read config %s", path)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.MessagesDir = envOr("MESSAGES_DIR", c.MessagesDir)
	c.AttachmentsDir = envOr("ATTACHMENTS_DIR", c.AttachmentsDir)
	c.OutputDir = envOr("OUTPUT_DIR", c.OutputDir)
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.PublishPrefix = envOr("PUBLISH_PREFIX", c.PublishPrefix)
	c.Renderer.Binary = envOr("RENDERER_BIN", c.Renderer.Binary)
	c.Merge.Tool = envOr("MERGE_TOOL", c.Merge.Tool)
	if v := os.Getenv("RENDER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Renderer.Workers = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
