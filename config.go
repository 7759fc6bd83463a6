package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config holds the full TOML-driven export configuration.
type Config struct {
	Source      SourceConfig    `toml:"source"`
	Sink        SinkConfig      `toml:"sink"`
	Proto       ProtoConfig     `toml:"proto"`
	Export      ExportConfig    `toml:"export"`
	Metrics     MetricsConfig   `toml:"metrics"`
	Hooks       HooksConfig     `toml:"hooks"`
	MappingFile string          `toml:"mapping_file,omitempty"`
	Mappings    []MappingConfig `toml:"mapping"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
	// exports is the validated form of Mappings, inline entries first.
	exports []ExportMapping
	// inline counts the Mappings declared in the TOML file itself.
	inline int
}

// SourceConfig identifies the key-value store to export from.
type SourceConfig struct {
	Type        string   `toml:"type"` // "fdb", "etcd" or "sqlite"
	ClusterFile string   `toml:"cluster_file,omitempty"`
	Endpoints   []string `toml:"endpoints,omitempty"`
	DSN         string   `toml:"dsn,omitempty"`
	Table       string   `toml:"table,omitempty"` // sqlite key/value table
}

// SinkConfig identifies the SQL store to write to.
type SinkConfig struct {
	Type string `toml:"type"` // clickhouse|postgres|cockroach|mysql|mssql|sqlite
	DSN  string `toml:"dsn"`
}

// ProtoConfig lists the message schemas available to mappings.
type ProtoConfig struct {
	Files          []string `toml:"files"`
	ImportPaths    []string `toml:"import_paths"`
	DescriptorSets []string `toml:"descriptor_sets"`
}

// ExportConfig tunes the scan loop.
type ExportConfig struct {
	PageSize        int      `toml:"page_size"`
	TxnTimeout      duration `toml:"txn_timeout"`
	MaxStaleRetries int      `toml:"max_stale_retries"` // 0 = unbounded
	RetryBackoff    duration `toml:"retry_backoff"`
	MaxRetryBackoff duration `toml:"max_retry_backoff"`
	WriteMode       string   `toml:"write_mode"` // append|dedup
}

type MetricsConfig struct {
	PushgatewayURL string `toml:"pushgateway_url"`
	Job            string `toml:"job"`
}

type HooksConfig struct {
	BeforeExport []string `toml:"before_export"`
	AfterExport  []string `toml:"after_export"`
}

// MappingConfig is one configured mapping before validation.
type MappingConfig struct {
	From  string `toml:"from" yaml:"from"`
	To    string `toml:"to" yaml:"to"`
	Proto string `toml:"proto" yaml:"proto"`
	Table string `toml:"table" yaml:"table"`
}

// ExportMapping is a validated mapping: scan [From, To), decode values as
// Proto, insert into Table.
type ExportMapping struct {
	From  []byte
	To    []byte
	Proto string
	Table TableName
}

// duration is a time.Duration that decodes from strings such as "1s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const hexKeyPrefix = "hex:"

// envOverrides maps environment variables onto config fields. They are
// applied after decoding, so they win over the file.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"KVFERRY_SOURCE_DSN", func(c *Config, v string) { c.Source.DSN = v }},
	{"KVFERRY_SOURCE_CLUSTER_FILE", func(c *Config, v string) { c.Source.ClusterFile = v }},
	{"KVFERRY_SOURCE_ENDPOINTS", func(c *Config, v string) { c.Source.Endpoints = splitList(v) }},
	{"KVFERRY_SINK_DSN", func(c *Config, v string) { c.Sink.DSN = v }},
	{"KVFERRY_METRICS_PUSHGATEWAY_URL", func(c *Config, v string) { c.Metrics.PushgatewayURL = v }},
}

func defaultConfig() Config {
	return Config{
		Source: SourceConfig{Table: "kv"},
		Export: ExportConfig{
			PageSize:        1000,
			TxnTimeout:      duration{time.Second},
			MaxRetryBackoff: duration{5 * time.Second},
			WriteMode:       writeModeAppend,
		},
		Metrics: MetricsConfig{Job: "kvferry"},
	}
}

// loadConfig reads a TOML config file from fs and returns a validated Config
// with defaults and environment overrides applied.
func loadConfig(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrConfig, err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, configErrorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok {
			o.apply(&cfg, v)
		}
	}

	if err := cfg.validateSource(); err != nil {
		return nil, err
	}
	if err := cfg.validateSink(); err != nil {
		return nil, err
	}
	if err := cfg.validateExport(); err != nil {
		return nil, err
	}
	if err := cfg.resolveProto(); err != nil {
		return nil, err
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "kvferry"
	}

	cfg.inline = len(cfg.Mappings)
	if cfg.MappingFile != "" {
		extra, err := loadMappingFile(fs, cfg.resolvePath(cfg.MappingFile))
		if err != nil {
			return nil, err
		}
		cfg.Mappings = append(cfg.Mappings, extra...)
	}
	if len(cfg.Mappings) == 0 {
		return nil, configErrorf("at least one [[mapping]] is required")
	}
	for i, m := range cfg.Mappings {
		em, err := m.validate()
		if err != nil {
			return nil, fmt.Errorf("mapping %d: %w", i+1, err)
		}
		cfg.exports = append(cfg.exports, em)
	}

	return &cfg, nil
}

func (c *Config) validateSource() error {
	switch c.Source.Type {
	case "fdb":
		if c.Source.ClusterFile == "" {
			c.Source.ClusterFile = defaultClusterFile(runtime.GOOS)
		}
	case "etcd":
		if len(c.Source.Endpoints) == 0 {
			return configErrorf("source.endpoints is required for etcd sources")
		}
	case "sqlite":
		if c.Source.DSN == "" {
			return configErrorf("source.dsn is required for sqlite sources")
		}
		if c.Source.Table == "" {
			c.Source.Table = "kv"
		}
	case "":
		return configErrorf("source.type is required (must be fdb, etcd or sqlite)")
	default:
		return configErrorf("source.type must be one of: fdb, etcd, sqlite")
	}
	return nil
}

func (c *Config) validateSink() error {
	switch c.Sink.Type {
	case "clickhouse", "postgres", "cockroach", "mysql", "mssql", "sqlite":
	case "":
		return configErrorf("sink.type is required")
	default:
		return configErrorf("sink.type must be one of: clickhouse, postgres, cockroach, mysql, mssql, sqlite")
	}
	if c.Sink.DSN == "" {
		return configErrorf("sink.dsn is required")
	}
	return nil
}

func (c *Config) validateExport() error {
	e := &c.Export
	if e.PageSize <= 0 {
		return configErrorf("export.page_size must be positive")
	}
	if e.TxnTimeout.Duration <= 0 {
		return configErrorf("export.txn_timeout must be positive")
	}
	if e.MaxStaleRetries < 0 {
		return configErrorf("export.max_stale_retries must not be negative")
	}
	if e.RetryBackoff.Duration < 0 || e.MaxRetryBackoff.Duration < 0 {
		return configErrorf("export retry backoff must not be negative")
	}
	switch e.WriteMode {
	case writeModeAppend:
	case writeModeDedup:
		if c.Sink.Type == "mssql" {
			return configErrorf("export.write_mode %q is not supported for mssql sinks", e.WriteMode)
		}
	default:
		return configErrorf("export.write_mode must be one of: append, dedup")
	}
	return nil
}

func (c *Config) resolveProto() error {
	p := &c.Proto
	if len(p.Files) == 0 && len(p.DescriptorSets) == 0 {
		return configErrorf("missing protofile definition: set proto.files or proto.descriptor_sets")
	}
	if len(p.ImportPaths) == 0 {
		p.ImportPaths = []string{c.configDir}
	}
	for i := range p.ImportPaths {
		p.ImportPaths[i] = c.resolvePath(p.ImportPaths[i])
	}
	for i := range p.Files {
		p.Files[i] = c.resolvePath(p.Files[i])
	}
	for i := range p.DescriptorSets {
		p.DescriptorSets[i] = c.resolvePath(p.DescriptorSets[i])
	}
	return nil
}

// loadMappingFile reads additional mappings from a YAML list.
func loadMappingFile(fs afero.Fs, path string) ([]MappingConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	var mappings []MappingConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&mappings); err != nil {
		return nil, fmt.Errorf("%w: parse mapping file %s: %v", ErrConfig, path, err)
	}
	return mappings, nil
}

func (m MappingConfig) validate() (ExportMapping, error) {
	table, err := parseTableName(m.Table)
	if err != nil {
		return ExportMapping{}, err
	}
	proto := strings.TrimPrefix(strings.TrimSpace(m.Proto), ".")
	if proto == "" {
		return ExportMapping{}, mappingErrorf("proto is required for table %s", table)
	}
	from, err := decodeKey(m.From)
	if err != nil {
		return ExportMapping{}, mappingErrorf("from: %v", err)
	}
	to, err := decodeKey(m.To)
	if err != nil {
		return ExportMapping{}, mappingErrorf("to: %v", err)
	}
	if len(to) == 0 {
		return ExportMapping{}, mappingErrorf("missing mapping source range end for %s", table)
	}
	if bytes.Compare(from, to) >= 0 {
		return ExportMapping{}, mappingErrorf("empty key range [%q, %q) for %s", from, to, table)
	}
	return ExportMapping{From: from, To: to, Proto: proto, Table: table}, nil
}

// decodeKey accepts plain text or "hex:"-prefixed hexadecimal.
func decodeKey(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, hexKeyPrefix); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key %q: %w", s, err)
		}
		return b, nil
	}
	return []byte(s), nil
}

// ExportMappings returns the validated mappings in declaration order.
func (c *Config) ExportMappings() []ExportMapping {
	return c.exports
}

// resolvePath resolves a path relative to the config file directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

func defaultClusterFile(goos string) string {
	if goos == "darwin" {
		return "/usr/local/etc/foundationdb/fdb.cluster"
	}
	return "/etc/foundationdb/fdb.cluster"
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// printConfig writes cfg as TOML with DSN credentials masked. Mappings read
// from mapping_file are left out so the output loads back unchanged.
func printConfig(w io.Writer, cfg *Config) error {
	out := *cfg
	out.Source.DSN = redactDSN(cfg.Source.Type, cfg.Source.DSN)
	out.Sink.DSN = redactDSN(cfg.Sink.Type, cfg.Sink.DSN)
	out.Mappings = cfg.Mappings[:cfg.inline:cfg.inline]
	return toml.NewEncoder(w).Encode(out)
}

const redactedSecret = "xxxxx"

var dsnSecretKeyword = regexp.MustCompile(`(?i)\b(password|pwd)=('[^']*'|[^;\s]*)`)

func redactDSN(kind, dsn string) string {
	if dsn == "" {
		return dsn
	}
	if kind == "mysql" {
		if mc, err := mysql.ParseDSN(dsn); err == nil {
			if mc.Passwd != "" {
				mc.Passwd = redactedSecret
			}
			return mc.FormatDSN()
		}
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		dsn = u.Redacted()
	}
	return dsnSecretKeyword.ReplaceAllString(dsn, "${1}="+redactedSecret)
}
