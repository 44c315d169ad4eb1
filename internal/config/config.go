// Package config handles configuration loading and validation.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/rpctester/internal/keyring"
	"github.com/gateway-fm/rpctester/internal/nonce"
	"github.com/gateway-fm/rpctester/internal/script"
	"github.com/gateway-fm/rpctester/pkg/types"
)

// Defaults
const (
	DefaultConnections      = 1
	DefaultNonceLockTimeout = nonce.DefaultLockTimeout
	MaxConnections          = 65535
)

// EndpointEnv supplies an endpoint when the file lists none.
const EndpointEnv = "RPC_ENDPOINT"

// Format is the encoding of a config file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from the file extension. JSON (with
// comments) is the default.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// KeyringConfig is forwarded to the keyring.
type KeyringConfig struct {
	Type string `json:"type" validate:"omitempty,oneof=ecdsa secp256k1 ethereum"`
}

// Config is one test script: where to connect and what to replay.
type Config struct {
	EndPoints         []string          `json:"endPoints" validate:"min=1,dive,required"`
	EndPoint          string            `json:"endPoint,omitempty"` // Legacy single endpoint, merged into EndPoints
	Connections       int               `json:"connections" validate:"min=1,max=65535"`
	Txs               []any             `json:"txs"`
	WriteTxWait       string            `json:"writeTxWait"`
	WriteTxTimeout    Duration          `json:"writeTxTimeout" validate:"gte=0"`
	NonceLockTimeout  Duration          `json:"nonceLockTimeout" validate:"gte=0"`
	MaxCallsPerSecond float64           `json:"maxCallsPerSecond" validate:"gte=0"`
	Keyring           KeyringConfig     `json:"keyring"`
	Development       *bool             `json:"development"`
	Signers           map[string]string `json:"signers" validate:"dive,keys,required,endkeys,required"`

	// Derived by Load.
	Entries    []script.Entry   `json:"-"`
	WaitPolicy types.WaitPolicy `json:"-"`
}

// Load reads, normalizes and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config document. Numbers inside txs keep their exact
// textual form as json.Number.
func Parse(data []byte, format Format) (*Config, error) {
	var jsonData []byte
	switch format {
	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		jsonData = b
	default:
		jsonData = jsonc.ToJSON(data)
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.EndPoint != "" {
		found := false
		for _, ep := range c.EndPoints {
			if ep == c.EndPoint {
				found = true
				break
			}
		}
		if !found {
			c.EndPoints = append([]string{c.EndPoint}, c.EndPoints...)
		}
	}
	if len(c.EndPoints) == 0 {
		if v := os.Getenv(EndpointEnv); v != "" {
			c.EndPoints = []string{v}
		}
	}
	for i, ep := range c.EndPoints {
		c.EndPoints[i] = strings.TrimSpace(ep)
	}

	if c.Connections == 0 {
		c.Connections = DefaultConnections
	}
	if c.NonceLockTimeout == 0 {
		c.NonceLockTimeout = Duration(DefaultNonceLockTimeout)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the config and derives the wait policy and the parsed
// script entries.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidation(err)
	}

	policy, err := types.ParseWaitPolicy(c.WriteTxWait)
	if err != nil {
		return err
	}
	c.WaitPolicy = policy

	if len(c.Txs) == 0 {
		return errors.New("txs must contain at least one entry")
	}
	entries, err := script.ParseAll(c.Txs)
	if err != nil {
		return err
	}
	c.Entries = entries
	return nil
}

// Warnings lists problems that only fail at run time.
func (c *Config) Warnings() []string {
	var out []string
	for i, e := range c.Entries {
		if e.Kind == script.KindWrite && e.Signer == "" {
			out = append(out, fmt.Sprintf("txs[%d] %s has no signer and will fail", i, e.Path))
		}
		if e.Kind == script.KindBare && script.IsWritePath(e.Path) {
			out = append(out, fmt.Sprintf("txs[%d] %s is a write path given as a bare string and will fail", i, e.Path))
		}
	}
	return out
}

// DevelopmentEnabled reports whether the development keyset is enabled.
// It defaults to true.
func (c *Config) DevelopmentEnabled() bool {
	return c.Development == nil || *c.Development
}

// KeyringConfig returns the keyring settings.
func (c *Config) KeyringConfig() keyring.Config {
	return keyring.Config{
		Type:        c.Keyring.Type,
		Development: c.DevelopmentEnabled(),
		Signers:     c.Signers,
	}
}

// Attempts returns the number of connection attempts: endpoints × connections.
func (c *Config) Attempts() int {
	return len(c.EndPoints) * c.Connections
}

func formatValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Duration accepts "5s"-style strings or integer milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*d = 0
	case json.Number:
		ms, err := val.Int64()
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration: unexpected %T", v)
	}
	return nil
}
