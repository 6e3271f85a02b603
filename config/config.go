// Package config loads the settings for one FIX session from TOML or YAML,
// overlaid on defaults and then on FIXSESSION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/session"
)

// Role decides whether we dial out or listen.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAcceptor  Role = "acceptor"
)

// Store and transport kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"

	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// EnvPrefix is prepended to the upper-cased file key to form the
// environment variable that overrides it.
const EnvPrefix = "FIXSESSION_"

// Config is the runtime configuration of one session process.
type Config struct {
	BeginString       string
	SenderCompID      string
	TargetCompID      string
	Qualifier         string
	HeartbeatInterval int // seconds
	ResetOnLogon      bool
	ExtraHeaders      map[string]string // tag number -> value

	Role      Role
	Address   string
	Transport string
	TLS       TLSConfig

	Store         string
	StorePath     string
	RedisURL      string
	MongoURI      string
	MongoDatabase string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ConnectTimeout   time.Duration // dial and TLS or websocket handshake

	AdminAddr string
	LogLevel  string
}

// TLSConfig applies to the tcp transport when dialing.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	InsecureSkipVerify bool
}

// fileConfig is the on-disk key mapping, shared by TOML and YAML.
type fileConfig struct {
	BeginString        string            `toml:"begin_string" yaml:"begin_string"`
	SenderCompID       string            `toml:"sender_comp_id" yaml:"sender_comp_id"`
	TargetCompID       string            `toml:"target_comp_id" yaml:"target_comp_id"`
	Qualifier          string            `toml:"session_qualifier" yaml:"session_qualifier"`
	HeartbeatInterval  int               `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	ResetOnLogon       bool              `toml:"reset_on_logon" yaml:"reset_on_logon"`
	ExtraHeaders       map[string]string `toml:"extra_headers" yaml:"extra_headers"`
	Role               string            `toml:"role" yaml:"role"`
	Address            string            `toml:"address" yaml:"address"`
	Transport          string            `toml:"transport" yaml:"transport"`
	TLSEnabled         bool              `toml:"tls_enabled" yaml:"tls_enabled"`
	TLSCAFile          string            `toml:"tls_ca_file" yaml:"tls_ca_file"`
	TLSInsecure        bool              `toml:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	Store              string            `toml:"store" yaml:"store"`
	StorePath          string            `toml:"store_path" yaml:"store_path"`
	RedisURL           string            `toml:"redis_url" yaml:"redis_url"`
	MongoURI           string            `toml:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase      string            `toml:"mongo_database" yaml:"mongo_database"`
	ReconnectInitialMS int               `toml:"reconnect_initial_ms" yaml:"reconnect_initial_ms"`
	ReconnectMaxMS     int               `toml:"reconnect_max_ms" yaml:"reconnect_max_ms"`
	ConnectTimeoutMS   int               `toml:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	AdminAddr          string            `toml:"admin_addr" yaml:"admin_addr"`
	LogLevel           string            `toml:"log_level" yaml:"log_level"`
}

// Default returns the settings used for every key the file leaves out.
func Default() Config {
	return Config{
		BeginString:       "FIX.4.4",
		HeartbeatInterval: 30,
		Role:              RoleInitiator,
		Address:           "127.0.0.1:9876",
		Transport:         TransportTCP,
		Store:             StoreMemory,
		MongoDatabase:     "fixsession",
		ReconnectInitial:  500 * time.Millisecond,
		ReconnectMax:      30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		AdminAddr:         "127.0.0.1:9877",
		LogLevel:          "info",
	}
}

// Load reads path (.toml, .yaml or .yml) over Default. It does not apply
// the environment or validate; callers do both once all sources are in.
func Load(path string) (Config, error) {
	var (
		raw     fileConfig
		defined func(key string) bool
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		defined = func(key string) bool { return meta.IsDefined(key) }
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		keys, err := decodeYAML(data, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		}
		defined = func(key string) bool { return keys[key] }
	default:
		return Config{}, fmt.Errorf("load config: unsupported file extension %q", ext)
	}

	cfg := Default()
	overlay(&cfg, raw, defined)
	return cfg, nil
}

// decodeYAML decodes data into raw and reports which top-level keys were set.
func decodeYAML(data []byte, raw *fileConfig) (map[string]bool, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	keys := make(map[string]bool)
	if len(doc.Content) == 0 {
		return keys, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("top level must be a mapping")
	}
	for i := 0; i < len(root.Content); i += 2 {
		keys[root.Content[i].Value] = true
	}
	if err := root.Decode(raw); err != nil {
		return nil, err
	}
	return keys, nil
}

func overlay(cfg *Config, raw fileConfig, defined func(string) bool) {
	str := func(key string, dst *string, v string) {
		if defined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	str("begin_string", &cfg.BeginString, raw.BeginString)
	str("sender_comp_id", &cfg.SenderCompID, raw.SenderCompID)
	str("target_comp_id", &cfg.TargetCompID, raw.TargetCompID)
	str("session_qualifier", &cfg.Qualifier, raw.Qualifier)
	str("address", &cfg.Address, raw.Address)
	str("transport", &cfg.Transport, raw.Transport)
	str("tls_ca_file", &cfg.TLS.CAFile, raw.TLSCAFile)
	str("store", &cfg.Store, raw.Store)
	str("store_path", &cfg.StorePath, raw.StorePath)
	str("redis_url", &cfg.RedisURL, raw.RedisURL)
	str("mongo_uri", &cfg.MongoURI, raw.MongoURI)
	str("mongo_database", &cfg.MongoDatabase, raw.MongoDatabase)
	str("admin_addr", &cfg.AdminAddr, raw.AdminAddr)
	str("log_level", &cfg.LogLevel, raw.LogLevel)

	if defined("role") {
		cfg.Role = Role(strings.TrimSpace(raw.Role))
	}
	if defined("heartbeat_interval") {
		cfg.HeartbeatInterval = raw.HeartbeatInterval
	}
	if defined("reset_on_logon") {
		cfg.ResetOnLogon = raw.ResetOnLogon
	}
	if defined("extra_headers") {
		cfg.ExtraHeaders = raw.ExtraHeaders
	}
	if defined("tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if defined("tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLSInsecure
	}
	if defined("reconnect_initial_ms") {
		cfg.ReconnectInitial = time.Duration(raw.ReconnectInitialMS) * time.Millisecond
	}
	if defined("reconnect_max_ms") {
		cfg.ReconnectMax = time.Duration(raw.ReconnectMaxMS) * time.Millisecond
	}
	if defined("connect_timeout_ms") {
		cfg.ConnectTimeout = time.Duration(raw.ConnectTimeoutMS) * time.Millisecond
	}
}

// ApplyEnv overrides cfg from FIXSESSION_<KEY> variables found by lookup,
// usually os.LookupEnv. extra_headers has no environment form.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"begin_string":      &cfg.BeginString,
		"sender_comp_id":    &cfg.SenderCompID,
		"target_comp_id":    &cfg.TargetCompID,
		"session_qualifier": &cfg.Qualifier,
		"address":           &cfg.Address,
		"transport":         &cfg.Transport,
		"tls_ca_file":       &cfg.TLS.CAFile,
		"store":             &cfg.Store,
		"store_path":        &cfg.StorePath,
		"redis_url":         &cfg.RedisURL,
		"mongo_uri":         &cfg.MongoURI,
		"mongo_database":    &cfg.MongoDatabase,
		"admin_addr":        &cfg.AdminAddr,
		"log_level":         &cfg.LogLevel,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + strings.ToUpper(key)); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup(EnvPrefix + "ROLE"); ok {
		cfg.Role = Role(strings.TrimSpace(v))
	}

	flags := map[string]*bool{
		"reset_on_logon":           &cfg.ResetOnLogon,
		"tls_enabled":              &cfg.TLS.Enabled,
		"tls_insecure_skip_verify": &cfg.TLS.InsecureSkipVerify,
	}
	for key, dst := range flags {
		name := EnvPrefix + strings.ToUpper(key)
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup(EnvPrefix + "HEARTBEAT_INTERVAL"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %sHEARTBEAT_INTERVAL: %w", EnvPrefix, err)
		}
		cfg.HeartbeatInterval = n
	}
	for key, dst := range map[string]*time.Duration{
		"reconnect_initial_ms": &cfg.ReconnectInitial,
		"reconnect_max_ms":     &cfg.ReconnectMax,
		"connect_timeout_ms":   &cfg.ConnectTimeout,
	} {
		name := EnvPrefix + strings.ToUpper(key)
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = time.Duration(n) * time.Millisecond
		}
	}
	return nil
}

// Validate reports the first setting that cannot run.
func (c Config) Validate() error {
	switch {
	case c.BeginString == "":
		return errors.New("config: begin_string is required")
	case c.SenderCompID == "":
		return errors.New("config: sender_comp_id is required")
	case c.TargetCompID == "" && c.Role != RoleAcceptor:
		return errors.New("config: target_comp_id is required for an initiator")
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("config: heartbeat_interval must be positive, got %d", c.HeartbeatInterval)
	case c.Address == "":
		return errors.New("config: address is required")
	}

	if !slices.Contains([]Role{RoleInitiator, RoleAcceptor}, c.Role) {
		return fmt.Errorf("config: unknown role %q (expected initiator or acceptor)", c.Role)
	}
	if !slices.Contains([]string{TransportTCP, TransportWebSocket}, c.Transport) {
		return fmt.Errorf("config: unknown transport %q (expected tcp or websocket)", c.Transport)
	}

	switch c.Store {
	case StoreMemory:
	case StoreFile:
		if c.StorePath == "" {
			return errors.New("config: store_path is required for the file store")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: redis_url is required for the redis store")
		}
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return errors.New("config: mongo_uri and mongo_database are required for the mongo store")
		}
	default:
		return fmt.Errorf("config: unknown store %q (expected memory, file, redis or mongo)", c.Store)
	}

	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("config: reconnect backoff %s..%s is not a valid range", c.ReconnectInitial, c.ReconnectMax)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout_ms must be positive, got %s", c.ConnectTimeout)
	}
	if _, err := c.ExtraHeaderFields(); err != nil {
		return err
	}
	return nil
}

// Identity returns the session identity these settings describe.
func (c Config) Identity() session.Identity {
	return session.Identity{
		BeginString:  c.BeginString,
		SenderCompID: c.SenderCompID,
		TargetCompID: c.TargetCompID,
		Qualifier:    c.Qualifier,
	}
}

// ExtraHeaderFields returns extra_headers as fields ordered by tag number.
func (c Config) ExtraHeaderFields() ([]fix.Field, error) {
	fields := make([]fix.Field, 0, len(c.ExtraHeaders))
	for k, v := range c.ExtraHeaders {
		tag, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || tag <= 0 {
			return nil, fmt.Errorf("config: extra_headers key %q is not a tag number", k)
		}
		fields = append(fields, fix.Field{Tag: fix.Tag(tag), Value: v})
	}
	slices.SortFunc(fields, func(a, b fix.Field) int { return int(a.Tag) - int(b.Tag) })
	return fields, nil
}
