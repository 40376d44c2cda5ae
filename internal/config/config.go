// Package config loads the gateway configuration from file, environment and defaults.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
)

// EnvPrefix prefixes every environment variable, e.g. LDAPGW_LDAP_BIND_DN.
const EnvPrefix = "LDAPGW"

// Config is the complete gateway configuration. It is loaded once at
// startup and not modified afterwards.
type Config struct {
	// LogLevel is the root log level.
	LogLevel string `mapstructure:"log_level" default:"info" validate:"oneof=trace debug info warn error off"`

	Server    ServerConfig    `mapstructure:"server"`
	LDAP      LDAPConfig      `mapstructure:"ldap"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Match     MatchConfig     `mapstructure:"match"`
	Response  ResponseConfig  `mapstructure:"response"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen" default:":8080" validate:"required"`

	// RoutePrefix is the path of the search endpoint.
	RoutePrefix string `mapstructure:"route_prefix" default:"/" validate:"required,startswith=/"`

	// TrustProxy takes client addresses from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `mapstructure:"trust_proxy"`

	RequestTimeout    time.Duration `mapstructure:"request_timeout" default:"30s" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" default:"10s" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" default:"15s" validate:"gt=0"`
}

// LDAPConfig configures the upstream directory and the service identity.
// Either URL or Domain must be set; with only Domain the servers are
// discovered from DNS SRV records.
type LDAPConfig struct {
	URL        string `mapstructure:"url" validate:"omitempty,url"`
	Domain     string `mapstructure:"domain" validate:"omitempty,hostname_rfc1123"`
	BaseDN     string `mapstructure:"base_dn" validate:"required"`
	ServerName string `mapstructure:"server_name"`
	CACertFile string `mapstructure:"ca_cert_file" validate:"omitempty,file"`

	BindMethod       string `mapstructure:"bind_method" default:"simple" validate:"oneof=simple kerberos gssapi"`
	BindDN           string `mapstructure:"bind_dn" validate:"required"`
	BindPassword     string `mapstructure:"bind_password"`
	BindPasswordFile string `mapstructure:"bind_password_file" validate:"omitempty,file"`

	Kerberos KerberosConfig `mapstructure:"kerberos"`

	Timeout   time.Duration `mapstructure:"timeout" default:"10s" validate:"gt=0"`
	SizeLimit int           `mapstructure:"size_limit" default:"50" validate:"gte=0"`
	TimeLimit time.Duration `mapstructure:"time_limit" default:"5s" validate:"gte=0"`
}

// KerberosConfig configures GSSAPI binds.
type KerberosConfig struct {
	Realm  string `mapstructure:"realm"`
	Keytab string `mapstructure:"keytab" validate:"omitempty,file"`
	Config string `mapstructure:"config" validate:"omitempty,file"`
	CCache string `mapstructure:"ccache"`
	SPN    string `mapstructure:"spn"`
}

// RateLimitConfig sets per-client thresholds. Zero disables a window.
type RateLimitConfig struct {
	PerMinute     int           `mapstructure:"per_minute" default:"60" validate:"gte=0"`
	PerDay        int           `mapstructure:"per_day" default:"2000" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" default:"10m" validate:"gt=0"`
}

// MatchConfig selects the attributes a search term is matched against.
type MatchConfig struct {
	Attributes      []string `mapstructure:"attributes" default:"[\"uid\",\"mail\"]" validate:"min=1,dive,required"`
	Mode            string   `mapstructure:"mode" default:"prefix" validate:"oneof=prefix exact"`
	ExcludeSuffixes []string `mapstructure:"exclude_suffixes" validate:"dive,required"`
	ObjectClass     string   `mapstructure:"object_class"`
}

// ResponseConfig selects the fields returned to callers.
type ResponseConfig struct {
	Fields       []string          `mapstructure:"fields" default:"[\"username\",\"cn\",\"email\"]" validate:"min=1,dive,oneof=username uidNumber displayName cn email sid guid"`
	AttributeMap map[string]string `mapstructure:"attribute_map"`
}

// MetricsConfig enables the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from configPath (optional), LDAPGW_* environment
// variables and defaults, in increasing order of precedence: defaults, file,
// environment. Missing required values are an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks()), zeroFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setupViper configures environment variable support and the config file.
// Environment variables use the LDAPGW_ prefix and underscores, e.g.
// LDAPGW_RATE_LIMIT_PER_MINUTE=30.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about, so every
	// leaf of Config is bound explicitly.
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := range t.NumField() {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindEnvs(v, field.Type, key)
			continue
		}

		_ = v.BindEnv(key)
	}
}

// zeroFields replaces default slices and maps instead of merging into them.
func zeroFields(c *mapstructure.DecoderConfig) {
	c.ZeroFields = true
}

// configDecodeHooks returns a combined decode hook for durations and lists.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts strings like "30s", "5m", "1h" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// resolveSecrets reads the bind password from bind_password_file when set.
func (c *Config) resolveSecrets() error {
	if c.LDAP.BindPasswordFile == "" {
		return nil
	}
	if c.LDAP.BindPassword != "" {
		return errors.New("ldap.bind_password and ldap.bind_password_file are mutually exclusive")
	}

	data, err := os.ReadFile(c.LDAP.BindPasswordFile)
	if err != nil {
		return fmt.Errorf("failed to read bind password file: %w", err)
	}
	c.LDAP.BindPassword = strings.TrimRight(string(data), "\r\n")

	return nil
}

// Validate checks struct constraints and the cross-field rules the
// directory package enforces.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	method, err := ldapclient.ParseBindMethod(cfg.LDAP.BindMethod)
	if err != nil {
		return err
	}
	if method == ldapclient.BindMethodSimple && cfg.LDAP.BindPassword == "" {
		return errors.New("ldap.bind_password (or ldap.bind_password_file) is required for simple bind")
	}

	switch {
	case cfg.LDAP.URL != "":
		if _, err := ldapclient.ParseLDAPURL(cfg.LDAP.URL); err != nil {
			return fmt.Errorf("ldap.url: %w", err)
		}
	case cfg.LDAP.Domain == "":
		return errors.New("ldap.url or ldap.domain is required")
	}

	// The upstream session must give up before the HTTP timeout answers for it.
	if cfg.Server.RequestTimeout <= cfg.LDAP.Timeout {
		return fmt.Errorf("server.request_timeout (%s) must be longer than ldap.timeout (%s)",
			cfg.Server.RequestTimeout, cfg.LDAP.Timeout)
	}

	cc, err := cfg.ConnectionConfig()
	if err != nil {
		return err
	}
	if err := cc.Validate(); err != nil {
		return fmt.Errorf("ldap: %w", err)
	}

	if err := cfg.MatchPolicy().Validate(); err != nil {
		return err
	}

	if _, err := cfg.Projector(); err != nil {
		return err
	}

	return nil
}

// ConnectionConfig converts the LDAP section for the connector.
func (c *Config) ConnectionConfig() (*ldapclient.ConnectionConfig, error) {
	method, err := ldapclient.ParseBindMethod(c.LDAP.BindMethod)
	if err != nil {
		return nil, err
	}

	cc := ldapclient.DefaultConfig()
	cc.URL = c.LDAP.URL
	cc.Domain = c.LDAP.Domain
	cc.BaseDN = c.LDAP.BaseDN
	cc.ServerName = c.LDAP.ServerName
	cc.Timeout = c.LDAP.Timeout
	cc.BindMethod = method
	cc.BindDN = c.LDAP.BindDN
	cc.BindPassword = c.LDAP.BindPassword
	cc.KerberosRealm = c.LDAP.Kerberos.Realm
	cc.KerberosKeytab = c.LDAP.Kerberos.Keytab
	cc.KerberosConfig = c.LDAP.Kerberos.Config
	cc.KerberosCCache = c.LDAP.Kerberos.CCache
	cc.KerberosSPN = c.LDAP.Kerberos.SPN
	cc.TLSCACertFile = c.LDAP.CACertFile
	cc.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	cc.SizeLimit = c.LDAP.SizeLimit
	cc.TimeLimit = c.LDAP.TimeLimit

	return cc, nil
}

// MatchPolicy converts the match section.
func (c *Config) MatchPolicy() ldapclient.MatchPolicy {
	return ldapclient.MatchPolicy{
		Attributes:      c.Match.Attributes,
		Mode:            ldapclient.MatchMode(c.Match.Mode),
		ExcludeSuffixes: c.Match.ExcludeSuffixes,
		ObjectClass:     c.Match.ObjectClass,
	}
}

// Projector builds the response projector.
func (c *Config) Projector() (*ldapclient.Projector, error) {
	return ldapclient.NewProjector(c.Response.Fields, c.Response.AttributeMap)
}
