// Package config loads the process-wide configuration object.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults holds the hardened container defaults applied to every spawn.
type Defaults struct {
	CPULimit       float64 `yaml:"cpu_limit"`
	MemLimitMB     int     `yaml:"mem_limit_mb"`
	PidsLimit      int     `yaml:"pids_limit"`
	NetworkMode    string  `yaml:"network_mode"`
	ReadonlyRootfs bool    `yaml:"readonly_rootfs"`
}

// PoolConfig controls the warm pool (§4.6).
type PoolConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
}

// Config is the single process-wide configuration object. Every field maps
// 1:1 to a recognized option; unknown YAML keys are rejected at load.
type Config struct {
	Listen    string `yaml:"listen"`
	APIKey    string `yaml:"api_key"`
	DataDir   string `yaml:"data_dir"`

	DefaultImage      string   `yaml:"default_image"`
	AllowedRegistries []string `yaml:"allowed_registries"`
	AllowedImages     []string `yaml:"allowed_images"`

	StateDBPath string `yaml:"state_db_path"`

	DrainGraceSeconds           int `yaml:"drain_grace_seconds"`
	TransientGCDays             int `yaml:"transient_gc_days"`
	ConcurrentExecsPerContainer int `yaml:"concurrent_execs_per_container"`
	ExecOutputBudgetBytes       int `yaml:"exec_output_budget_bytes"`
	ExecPollResponseCapBytes    int `yaml:"exec_poll_response_cap_bytes"`
	DefaultExecTimeoutSeconds   int `yaml:"default_exec_timeout_seconds"`

	WorkspaceMountPath string `yaml:"workspace_mount_path"`

	Defaults Defaults   `yaml:"defaults"`
	Pool     PoolConfig `yaml:"pool"`
}

// Load reads yamlPath (if non-empty and present) over a set of baked-in
// defaults, then applies DEVBENCH_* environment overrides. Unknown keys in
// the YAML document are rejected.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:      "127.0.0.1:8080",
		DataDir:     "./data",
		DefaultImage: "devbench/sandbox:base",
		StateDBPath: "./devbench.db",

		DrainGraceSeconds:           60,
		TransientGCDays:             7,
		ConcurrentExecsPerContainer: 4,
		ExecOutputBudgetBytes:       64 * 1024 * 1024,
		ExecPollResponseCapBytes:    1 * 1024 * 1024,
		DefaultExecTimeoutSeconds:   120,

		WorkspaceMountPath: "/workspace",

		Defaults: Defaults{
			CPULimit:       1.0,
			MemLimitMB:     512,
			PidsLimit:      256,
			NetworkMode:    "none",
			ReadonlyRootfs: true,
		},
		Pool: PoolConfig{
			Enabled: false,
			Size:    0,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVBENCH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DEVBENCH_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("DEVBENCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DEVBENCH_DEFAULT_IMAGE"); v != "" {
		cfg.DefaultImage = v
	}
	if v := os.Getenv("DEVBENCH_ALLOWED_REGISTRIES"); v != "" {
		cfg.AllowedRegistries = strings.Split(v, ",")
	}
	if v := os.Getenv("DEVBENCH_ALLOWED_IMAGES"); v != "" {
		cfg.AllowedImages = strings.Split(v, ",")
	}
	if v := os.Getenv("DEVBENCH_STATE_DB_PATH"); v != "" {
		cfg.StateDBPath = v
	}
	if v := os.Getenv("DEVBENCH_DRAIN_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DrainGraceSeconds = n
		}
	}
	if v := os.Getenv("DEVBENCH_TRANSIENT_GC_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TransientGCDays = n
		}
	}
	if v := os.Getenv("DEVBENCH_CONCURRENT_EXECS_PER_CONTAINER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConcurrentExecsPerContainer = n
		}
	}
	if v := os.Getenv("DEVBENCH_EXEC_OUTPUT_BUDGET_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExecOutputBudgetBytes = n
		}
	}
	if v := os.Getenv("DEVBENCH_EXEC_POLL_RESPONSE_CAP_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExecPollResponseCapBytes = n
		}
	}
	if v := os.Getenv("DEVBENCH_DEFAULT_EXEC_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultExecTimeoutSeconds = n
		}
	}
	if v := os.Getenv("DEVBENCH_WORKSPACE_MOUNT_PATH"); v != "" {
		cfg.WorkspaceMountPath = v
	}
	if v := os.Getenv("DEVBENCH_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.CPULimit = f
		}
	}
	if v := os.Getenv("DEVBENCH_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.MemLimitMB = n
		}
	}
	if v := os.Getenv("DEVBENCH_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.PidsLimit = n
		}
	}
	if v := os.Getenv("DEVBENCH_NETWORK_MODE"); v != "" {
		cfg.Defaults.NetworkMode = v
	}
	if v := os.Getenv("DEVBENCH_READONLY_ROOTFS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Defaults.ReadonlyRootfs = b
		}
	}
	if v := os.Getenv("DEVBENCH_POOL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pool.Enabled = b
		}
	}
	if v := os.Getenv("DEVBENCH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = n
		}
	}
}
