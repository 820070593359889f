// Package config loads update-agent's on-disk configuration: the YAML file
// naming the device type, the Update Server, the datastore path, Update
// Module search directories, and the signature verification key, plus the
// supplemented retry budget. This is the shape spec.md leaves as an external
// collaborator; loading it is not itself part of the state machine.
package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/coreos/update-agent/uerrors"
)

// DefaultPath is the config file update-agent reads unless --config
// overrides it.
const DefaultPath = "/etc/update-agent/config.yaml"

// Retry bounds how many times an Update Module invocation is retried on
// exit code 21 before the engine gives up on that script/module call.
type Retry struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// Config is the fully parsed, defaulted configuration.
type Config struct {
	DeviceType    string   `yaml:"device_type"`
	ServerURL     string   `yaml:"server_url"`
	DatastorePath string   `yaml:"datastore_path"`
	ModuleDirs    []string `yaml:"module_dirs"`
	VerifyKeyPath string   `yaml:"verify_key_path"`
	Retry         Retry    `yaml:"retry"`
}

// defaults supplies the datastore path, module directory and retry budget
// used when config.yaml leaves them unset, so a minimal config.yaml is still
// usable; the retry budget of 3 matches engine.DefaultConfig's.
func defaults() Config {
	return Config{
		DatastorePath: "/var/lib/update-agent",
		ModuleDirs:    []string{"/usr/share/update-agent/modules"},
		Retry:         Retry{MaxAttempts: 3},
	}
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, uerrors.Wrap(uerrors.CodeStorageError, err, "opening config file %s", path)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a config document from r, defaulting unset fields and
// validating the required ones are present.
func Parse(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, uerrors.Wrap(uerrors.CodeStorageError, err, "reading config")
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, uerrors.Wrap(uerrors.CodeParseError, err, "parsing config yaml")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DeviceType == "" {
		return uerrors.New(uerrors.CodeParseError, "config: device_type is required")
	}
	if c.ServerURL == "" {
		return uerrors.New(uerrors.CodeParseError, "config: server_url is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return uerrors.New(uerrors.CodeParseError, "config: retry.max_attempts must be at least 1")
	}
	return nil
}

// WriteYAML serializes cfg back to YAML, used by tests that round-trip a
// Config.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return nil
}
