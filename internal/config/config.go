// Package config loads the fleet configuration: which switches to manage,
// where the policy store lives, and how rule rows map onto P4 tables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fleet configuration file.
type Config struct {
	PollInterval  time.Duration   `yaml:"poll_interval"`
	RPCTimeout    time.Duration   `yaml:"rpc_timeout"`
	Parallelism   int             `yaml:"parallelism"`
	ConfigDir     string          `yaml:"config_dir"`
	MetricsAddr   string          `yaml:"metrics_addr"`
	ElectionID    uint64          `yaml:"election_id"`
	PolicyStore   StoreConfig     `yaml:"policy_store"`
	Rules         RulesConfig     `yaml:"rules"`
	ManagedTables []string        `yaml:"managed_tables"`
	Counters      []CounterConfig `yaml:"counters"`
	Devices       []Device        `yaml:"devices"`

	// BaseDir is the directory relative paths were resolved against. Paths
	// inside static config files resolve against it too.
	BaseDir string `yaml:"-"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RulesConfig maps policy store rows onto P4 tables.
type RulesConfig struct {
	Tag    TagRuleConfig    `yaml:"tag"`
	Filter FilterRuleConfig `yaml:"filter"`
}

// TagRuleConfig: a tag row becomes an entry in Table matching the row's
// match object, running Action with Param set to the tag value.
type TagRuleConfig struct {
	Table  string `yaml:"table"`
	Action string `yaml:"action"`
	Param  string `yaml:"param"`
}

// FilterRuleConfig: a filter row becomes an entry in Table matching Field
// against the tag value at Width bits, running Action with no params.
type FilterRuleConfig struct {
	Table  string `yaml:"table"`
	Field  string `yaml:"field"`
	Width  int    `yaml:"width"`
	Action string `yaml:"action"`
}

// CounterConfig names one indirect counter cell read after every cycle.
type CounterConfig struct {
	Name  string `yaml:"name"`
	Index int64  `yaml:"index"`
}

// Device is one managed switch.
type Device struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	DeviceID uint64 `yaml:"device_id"`

	// P4Info and Pipeline are used when the switch's static config file
	// does not name its own.
	P4Info   string `yaml:"p4info"`
	Pipeline string `yaml:"pipeline"`

	// RequireStaticConfig makes a missing <config_dir>/<name>-config.json
	// fail bring-up instead of being skipped.
	RequireStaticConfig bool `yaml:"require_static_config"`
}

// Defaults for the tagging/filtering pipeline.
const (
	DefaultTagTable     = "MyEgress.set_dscp_tag"
	DefaultTagAction    = "MyEgress.modify_dscp"
	DefaultTagParam     = "dscp_value"
	DefaultFilterTable  = "MyEgress.filter_dscp_tag"
	DefaultFilterField  = "hdr.ipv4.diffserv"
	DefaultFilterWidth  = 8
	DefaultFilterAction = "MyEgress.drop"
)

// Load reads, defaults and validates the file at path. Relative paths in
// the file are resolved against the file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg.ResolvePaths(filepath.Dir(path))
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 3 * time.Second
	}
	if c.Parallelism == 0 {
		c.Parallelism = 1
	}
	if c.ConfigDir == "" {
		c.ConfigDir = "configs"
	}
	if c.ElectionID == 0 {
		c.ElectionID = 1
	}
	if c.PolicyStore.Driver == "" {
		c.PolicyStore.Driver = "sqlite"
	}
	if c.PolicyStore.DSN == "" && c.PolicyStore.Driver == "sqlite" {
		c.PolicyStore.DSN = "switchsync.db"
	}

	tag := &c.Rules.Tag
	if tag.Table == "" {
		tag.Table = DefaultTagTable
	}
	if tag.Action == "" {
		tag.Action = DefaultTagAction
	}
	if tag.Param == "" {
		tag.Param = DefaultTagParam
	}

	filter := &c.Rules.Filter
	if filter.Table == "" {
		filter.Table = DefaultFilterTable
	}
	if filter.Field == "" {
		filter.Field = DefaultFilterField
	}
	if filter.Width == 0 {
		filter.Width = DefaultFilterWidth
	}
	if filter.Action == "" {
		filter.Action = DefaultFilterAction
	}

	if len(c.ManagedTables) == 0 {
		c.ManagedTables = []string{tag.Table, filter.Table}
	}
}

// ResolvePaths makes relative file paths absolute against baseDir.
func (c *Config) ResolvePaths(baseDir string) {
	c.BaseDir = baseDir
	c.ConfigDir = resolve(baseDir, c.ConfigDir)
	if c.PolicyStore.Driver == "sqlite" && isFilePath(c.PolicyStore.DSN) {
		c.PolicyStore.DSN = resolve(baseDir, c.PolicyStore.DSN)
	}
	for i := range c.Devices {
		c.Devices[i].P4Info = resolve(baseDir, c.Devices[i].P4Info)
		c.Devices[i].Pipeline = resolve(baseDir, c.Devices[i].Pipeline)
	}
}

// Resolve makes a relative path absolute against the config's base
// directory.
func (c Config) Resolve(path string) string {
	return resolve(c.BaseDir, path)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func isFilePath(dsn string) bool {
	return dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:")
}

// Device returns the device named name.
func (c Config) Device(name string) (Device, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// StaticConfigPath is where a device's static config file lives.
func (c Config) StaticConfigPath(device string) string {
	return filepath.Join(c.ConfigDir, device+"-config.json")
}

func Validate(cfg Config) error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if cfg.RPCTimeout <= 0 {
		return fmt.Errorf("rpc_timeout must be positive")
	}
	if cfg.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1")
	}
	if err := ValidateStore(cfg.PolicyStore); err != nil {
		return fmt.Errorf("policy_store invalid: %w", err)
	}
	if err := ValidateRules(cfg.Rules); err != nil {
		return fmt.Errorf("rules invalid: %w", err)
	}
	for i, t := range cfg.ManagedTables {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("managed_tables[%d] is empty", i)
		}
	}
	for i, c := range cfg.Counters {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("counters[%d] missing name", i)
		}
		if c.Index < 0 {
			return fmt.Errorf("counters[%d] index must be non-negative", i)
		}
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	seen := make(map[string]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if err := ValidateDevice(d); err != nil {
			return fmt.Errorf("devices[%d] invalid: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d] duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

func ValidateStore(cfg StoreConfig) error {
	switch cfg.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown driver %q (want sqlite or postgres)", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

func ValidateRules(cfg RulesConfig) error {
	if strings.TrimSpace(cfg.Tag.Table) == "" || strings.TrimSpace(cfg.Tag.Action) == "" ||
		strings.TrimSpace(cfg.Tag.Param) == "" {
		return fmt.Errorf("tag table, action and param are required")
	}
	if strings.TrimSpace(cfg.Filter.Table) == "" || strings.TrimSpace(cfg.Filter.Field) == "" ||
		strings.TrimSpace(cfg.Filter.Action) == "" {
		return fmt.Errorf("filter table, field and action are required")
	}
	if cfg.Filter.Width < 1 || cfg.Filter.Width > 64 {
		return fmt.Errorf("filter width must be between 1 and 64, got %d", cfg.Filter.Width)
	}
	return nil
}

func ValidateDevice(d Device) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(d.Name, `/\`) {
		return fmt.Errorf("name %q must not contain path separators", d.Name)
	}
	if strings.TrimSpace(d.Address) == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}
