// Package config loads usagetrace settings.
//
// Settings are layered, lowest priority first:
//
//  1. defaults.yaml embedded in the binary
//  2. an optional YAML file (--config flag or USAGETRACE_CONFIG)
//  3. USAGETRACE_* environment variables
//
// Load validates the result and parses the scan rules, so a Config that
// loaded without error is complete. Every failure is reported as *Error and
// is meant to abort startup.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/usagetrace/internal/usage/policy"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "USAGETRACE_CONFIG"

// Error is a configuration problem. Startup must not continue past it.
type Error struct {
	Source string // "defaults", a file path, or an environment variable
	Key    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("usagetrace config")
	if e.Source != "" {
		b.WriteString(" (" + e.Source + ")")
	}
	if e.Key != "" {
		b.WriteString(": " + e.Key)
	}
	b.WriteString(": " + e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Config is the complete usagetrace configuration.
type Config struct {
	Scan    ScanConfig    `yaml:"scan"`
	Output  OutputConfig  `yaml:"output"`
	Format  Format        `yaml:"format" validate:"oneof=simple json"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`

	builtinRules []policy.Rule
	userRules    []policy.Rule
}

// ScanConfig selects the units to instrument.
type ScanConfig struct {
	Builtin          []string `yaml:"builtin"`
	Rules            []string `yaml:"rules"`
	IncludeBootstrap bool     `yaml:"include_bootstrap"`
	IncludeUnnamed   bool     `yaml:"include_unnamed"`
	IncludeSynthetic bool     `yaml:"include_synthetic"`
}

// OutputConfig sets where usage events are written. Both fields are
// required; pointers distinguish "unset" from zero values.
type OutputConfig struct {
	Target     *string `yaml:"target" validate:"required,notblank"`
	BufferSize *int    `yaml:"buffer_size" validate:"required,gte=0"`
}

// Output targets with a special meaning; anything else is a file path.
const (
	TargetStdout = "stdout"
	TargetStderr = "stderr"
)

// Format selects the usage event encoding.
type Format string

const (
	FormatSimple Format = "simple"
	FormatJSON   Format = "json"
)

// StoreConfig configures persistence of first uses. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the embedded defaults, validated.
func Default() *Config {
	cfg, err := parse(nil, "", nil)
	if err != nil {
		panic(err) // defaults.yaml is part of the binary
	}
	return cfg
}

// Load reads the config file at path (optional) and applies environment
// overrides obtained through lookupEnv. A nil lookupEnv ignores the
// environment.
func Load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	var file []byte
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Source: path, Err: err}
		}
		file = data
	}
	return parse(file, path, lookupEnv)
}

// LoadFromEnvironment loads the file named by USAGETRACE_CONFIG, if any,
// and applies USAGETRACE_* overrides from the process environment.
func LoadFromEnvironment() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath), os.LookupEnv)
}

// Parse builds a Config from YAML text layered over the defaults.
func Parse(data []byte) (*Config, error) {
	return parse(data, "<inline>", nil)
}

func parse(file []byte, source string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	if err := decode(defaultsYAML, cfg); err != nil {
		return nil, &Error{Source: "defaults", Err: err}
	}
	if len(bytes.TrimSpace(file)) > 0 {
		if err := decode(file, cfg); err != nil {
			return nil, &Error{Source: source, Err: err}
		}
	}
	if lookupEnv != nil {
		if err := cfg.applyEnv(lookupEnv); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &Error{Source: key, Err: fmt.Errorf("not a boolean: %q", v)}
		}
		*dst = b
		return nil
	}

	if v, ok := lookup("USAGETRACE_SCAN_RULES"); ok {
		c.Scan.Rules = []string{v}
	}
	for key, dst := range map[string]*bool{
		"USAGETRACE_SCAN_INCLUDE_BOOTSTRAP": &c.Scan.IncludeBootstrap,
		"USAGETRACE_SCAN_INCLUDE_UNNAMED":   &c.Scan.IncludeUnnamed,
		"USAGETRACE_SCAN_INCLUDE_SYNTHETIC": &c.Scan.IncludeSynthetic,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup("USAGETRACE_OUTPUT_TARGET"); ok {
		c.Output.Target = &v
	}
	if v, ok := lookup("USAGETRACE_OUTPUT_BUFFER_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Source: "USAGETRACE_OUTPUT_BUFFER_SIZE", Err: fmt.Errorf("not an integer: %q", v)}
		}
		c.Output.BufferSize = &n
	}
	if v, ok := lookup("USAGETRACE_FORMAT"); ok {
		c.Format = Format(v)
	}
	str("USAGETRACE_LOG_LEVEL", &c.Log.Level)
	str("USAGETRACE_STORE_PATH", &c.Store.Path)
	str("USAGETRACE_METRICS_ADDR", &c.Metrics.Addr)
	return nil
}

// configValidate checks the struct tags of Config. Field names in its
// errors are the YAML keys.
var configValidate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if err := configValidate.Struct(c); err != nil {
		return validationError(err)
	}

	var err error
	if c.builtinRules, err = policy.ParseList(c.Scan.Builtin); err != nil {
		return &Error{Key: "scan.builtin", Err: err}
	}
	if c.userRules, err = policy.ParseList(c.Scan.Rules); err != nil {
		return &Error{Key: "scan.rules", Err: err}
	}
	return nil
}

// validationError reports the first failed check as *Error keyed by the
// setting's YAML path.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &Error{Err: err}
	}
	fe := verrs[0]
	_, key, _ := strings.Cut(fe.Namespace(), ".")

	var reason error
	switch fe.Tag() {
	case "required", "notblank":
		reason = errors.New("required setting is missing")
	case "gte":
		reason = fmt.Errorf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "oneof":
		reason = fmt.Errorf("unknown value %q (want one of: %s)", fmt.Sprint(fe.Value()), fe.Param())
	default:
		reason = fmt.Errorf("failed %q check", fe.Tag())
	}
	return &Error{Key: key, Err: reason}
}

// Policy builds the name-matching policy described by the scan settings.
func (c *Config) Policy() *policy.Policy {
	return policy.New(c.builtinRules, c.userRules, policy.Flags{
		IncludeBootstrap: c.Scan.IncludeBootstrap,
		IncludeUnnamed:   c.Scan.IncludeUnnamed,
		IncludeSynthetic: c.Scan.IncludeSynthetic,
	})
}

// OutputTarget returns the validated output target.
func (c *Config) OutputTarget() string {
	return strings.TrimSpace(*c.Output.Target)
}

// OutputBufferSize returns the validated output buffer size.
func (c *Config) OutputBufferSize() int {
	return *c.Output.BufferSize
}

// LogConfig sets the diagnostic log verbosity.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=error warn warning info debug"`
}

func (l LogConfig) level() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "", "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("unknown level %q", l.Level)
}

// Logger returns a text logger writing to w at the configured level.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("component", "usagetrace"))
}
