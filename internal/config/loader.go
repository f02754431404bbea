package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader builds a Config from a scenario file, environment variables and
// command-line arguments, in ascending precedence.
type Loader struct{}

// ErrHelpRequested is returned when the user asks for --help.
var ErrHelpRequested = errors.New("help requested")

func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and the scenario file into a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}

	cfg := &Config{
		Timeout:      Duration(30 * time.Second),
		GracefulStop: Duration(30 * time.Second),
	}

	if configPath != "" {
		if err := decodeScenarioFile(cfg, configPath); err != nil {
			return nil, err
		}
		cfg.ConfigFile = configPath
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	normalize(cfg)
	return cfg, nil
}

// decodeScenarioFile strictly decodes the scenario document: unknown fields
// are an error, so a typo'd key never silently disables a check.
func decodeScenarioFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenario file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse scenario file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides layers STAMPEDE_* environment variables over the file,
// for the scalar options that make sense per-environment.
func applyEnvOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix("stampede")
	v.AutomaticEnv()

	if val := v.GetString("base_url"); val != "" {
		cfg.BaseURL = val
	}
	if val := v.GetInt("vus"); val > 0 {
		cfg.VUs = val
	}
	if val := v.GetString("duration"); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("STAMPEDE_DURATION: %w", err)
		}
		cfg.Duration = Duration(parsed)
	}
	if val := v.GetString("timeout"); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("STAMPEDE_TIMEOUT: %w", err)
		}
		cfg.Timeout = Duration(parsed)
	}
	if val := v.GetString("history"); val != "" {
		cfg.HistoryPath = val
	}
	if val := v.GetString("tracing_endpoint"); val != "" {
		cfg.Tracing.Endpoint = val
		cfg.Tracing.Enabled = true
	}
	return nil
}

func normalize(cfg *Config) {
	for i := range cfg.Requests {
		normalizeRequest(&cfg.Requests[i])
	}
	if cfg.Setup != nil {
		for i := range cfg.Setup.Requests {
			normalizeRequest(&cfg.Setup.Requests[i])
		}
	}
	if cfg.Teardown != nil {
		for i := range cfg.Teardown.Requests {
			normalizeRequest(&cfg.Teardown.Requests[i])
		}
	}
}

func normalizeRequest(req *RequestConfig) {
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.Name == "" {
		req.Name = req.Method + " " + req.URL
	}
}
