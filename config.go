package docquery

import (
	"os"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/errors"
	"github.com/getlantern/yaml"
)

// config is the YAML form of Options.
type config struct {
	Options     `yaml:",inline"`
	Diagnostics string `yaml:"diagnostics"`
}

// LoadConfig reads Options from a YAML file like:
//
//	endpoint: https://myaccount.documents.azure.com
//	authtoken: type=master&ver=1.0&sig=...
//	retrymax: 5
//	retrywaitmax: 2s
//	diagnostics: debug
func LoadConfig(filename string) (*Options, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ParseConfig parses Options from YAML.
func ParseConfig(b []byte) (*Options, error) {
	var cfg config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.New("Unable to parse config: %v", err)
	}
	opts := cfg.Options
	opts.DiagnosticLevel = common.ParseDiagnosticLevel(cfg.Diagnostics)
	return &opts, nil
}
