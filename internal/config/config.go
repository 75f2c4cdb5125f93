// Package config handles layered YAML configuration with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all rendercompare configuration.
type Config struct {
	Tool    Tool    `yaml:"tool"`
	Runtime Runtime `yaml:"runtime"`
	History History `yaml:"history"`
	Metrics Metrics `yaml:"metrics"`
}

// Tool describes the external tester and how to invoke it.
type Tool struct {
	Root          string `yaml:"root"`           // Tester root; empty uses freeDViewTesterPath from the INI.
	INI           string `yaml:"ini"`            // renderCompare.ini; empty means discover it.
	Python        string `yaml:"python"`         // Interpreter executable.
	Script        string `yaml:"script"`         // Entry script, relative to the working directory.
	ConfigFlag    string `yaml:"config_flag"`    // Flag that precedes the INI path.
	ResultsMarker string `yaml:"results_marker"` // Results-root directory name; empty derives it from the INI.
}

// Runtime holds process supervision settings.
type Runtime struct {
	StopGrace time.Duration `yaml:"stop_grace"` // SIGTERM-to-SIGKILL wait.
}

// History holds run-history settings.
type History struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Metrics holds the Prometheus endpoint settings.
type Metrics struct {
	Addr string `yaml:"addr"` // host:port; empty disables the endpoint.
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tool: Tool{
			Python:     "python",
			Script:     "main.py",
			ConfigFlag: "--ini",
		},
		Runtime: Runtime{
			StopGrace: 2 * time.Second,
		},
		History: History{
			Enabled: true,
			Dir:     ".rendercompare/runs",
		},
	}
}

// Load reads a single YAML config file at path and returns a Config.
// For merging multiple config sources, use LoadLayered instead.
// If the file does not exist, defaults are returned without error.
// If the file contains invalid YAML or unknown fields, an error is returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// Comment-only YAML files produce EOF with no decoded content.
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadLayered loads config from multiple paths with increasing priority.
// Later paths override earlier ones. Missing files are skipped.
func LoadLayered(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		layer, err := loadLayer(path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		cfg.merge(layer)
	}

	return &cfg, nil
}

// Validate checks that config values are usable. Tool paths are not checked
// here: they may still come from the tester INI.
func (c *Config) Validate() error {
	if c.Tool.Python == "" {
		return errors.New("config: tool.python cannot be empty")
	}
	if c.Tool.ConfigFlag == "" {
		return errors.New("config: tool.config_flag cannot be empty")
	}
	if c.Runtime.StopGrace <= 0 {
		return fmt.Errorf("config: runtime.stop_grace must be positive, got %v", c.Runtime.StopGrace)
	}
	if c.History.Enabled && c.History.Dir == "" {
		return errors.New("config: history.dir cannot be empty when history is enabled")
	}
	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return fmt.Errorf("config: metrics.addr must be host:port, got %q: %w", c.Metrics.Addr, err)
		}
	}
	return nil
}

// ApplyEnv applies environment variable overrides to the config.
// Supported variables: RENDERCOMPARE_TOOL_ROOT, RENDERCOMPARE_INI,
// RENDERCOMPARE_PYTHON, RENDERCOMPARE_STOP_GRACE, RENDERCOMPARE_METRICS_ADDR.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("RENDERCOMPARE_TOOL_ROOT"); v != "" {
		c.Tool.Root = v
	}
	if v := os.Getenv("RENDERCOMPARE_INI"); v != "" {
		c.Tool.INI = v
	}
	if v := os.Getenv("RENDERCOMPARE_PYTHON"); v != "" {
		c.Tool.Python = v
	}
	if v := os.Getenv("RENDERCOMPARE_STOP_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid RENDERCOMPARE_STOP_GRACE %q: %w", v, err)
		}
		c.Runtime.StopGrace = d
	}
	if v := os.Getenv("RENDERCOMPARE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	return nil
}

// rawConfig mirrors Config but uses pointers to distinguish set vs unset fields.
type rawConfig struct {
	Tool    *rawTool    `yaml:"tool"`
	Runtime *rawRuntime `yaml:"runtime"`
	History *rawHistory `yaml:"history"`
	Metrics *rawMetrics `yaml:"metrics"`
}

type rawTool struct {
	Root          *string `yaml:"root"`
	INI           *string `yaml:"ini"`
	Python        *string `yaml:"python"`
	Script        *string `yaml:"script"`
	ConfigFlag    *string `yaml:"config_flag"`
	ResultsMarker *string `yaml:"results_marker"`
}

type rawRuntime struct {
	StopGrace *time.Duration `yaml:"stop_grace"`
}

type rawHistory struct {
	Enabled *bool   `yaml:"enabled"`
	Dir     *string `yaml:"dir"`
}

type rawMetrics struct {
	Addr *string `yaml:"addr"`
}

// loadLayer reads a single config file into a rawConfig for selective merging.
// Returns nil if the file does not exist. Rejects unknown fields.
func loadLayer(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &raw, nil
}

// merge applies non-nil fields from a rawConfig layer onto this Config.
func (c *Config) merge(layer *rawConfig) {
	if t := layer.Tool; t != nil {
		setString(&c.Tool.Root, t.Root)
		setString(&c.Tool.INI, t.INI)
		setString(&c.Tool.Python, t.Python)
		setString(&c.Tool.Script, t.Script)
		setString(&c.Tool.ConfigFlag, t.ConfigFlag)
		setString(&c.Tool.ResultsMarker, t.ResultsMarker)
	}
	if layer.Runtime != nil && layer.Runtime.StopGrace != nil {
		c.Runtime.StopGrace = *layer.Runtime.StopGrace
	}
	if h := layer.History; h != nil {
		if h.Enabled != nil {
			c.History.Enabled = *h.Enabled
		}
		setString(&c.History.Dir, h.Dir)
	}
	if layer.Metrics != nil {
		setString(&c.Metrics.Addr, layer.Metrics.Addr)
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
