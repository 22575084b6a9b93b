package redact

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Mask    string `yaml:"mask" json:"mask"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type Rules struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// LoadRules reads a YAML rule file. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg Rules
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Rules{}, err
	}
	if len(cfg.Rules) == 0 {
		return Rules{}, errors.New("no redaction rules configured")
	}
	return cfg, nil
}

func DefaultRules() Rules {
	return Rules{Rules: []Rule{
		{Name: "SSN", Type: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Mask: "***-**-****", Enabled: true},
		{Name: "MRN", Type: "mrn", Pattern: `(?i)\bMRN[:#\s]*\d{5,}\b`, Mask: "MRN ******", Enabled: true},
		{Name: "DOB", Type: "dob", Pattern: `\b\d{1,2}/\d{1,2}/\d{4}\b`, Mask: "##/##/####", Enabled: true},
		{Name: "Email", Type: "email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Mask: "***@***", Enabled: true},
		{Name: "Phone", Type: "phone", Pattern: `\b\d{3}-\d{3}-\d{4}\b|\(\d{3}\)\s?\d{3}-\d{4}\b`, Mask: "(***) ***-****", Enabled: true},
	}}
}
