package security

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule denies every command line matching Pattern, regardless of the allow-list.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// RulesFile is the YAML schema of a rules file.
type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads deny rules from a YAML file. An empty file yields the default rules.
func LoadRules(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var f RulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return DefaultRules(), nil
	}
	return f.Rules, nil
}

func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `\brm\s+-(rf|fr)\s+/(\s|\*|$)`, Message: "deleting the root directory"},
		{Pattern: `\bdd\s+if=`, Message: "raw disk writing"},
		{Pattern: `\bmkfs(\.|\s)`, Message: "formatting a filesystem"},
		{Pattern: `>\s*/dev/(sd[a-z]|hd[a-z]|nvme)`, Message: "writing to a block device"},
		{Pattern: `\bfind\b.*\s-(delete|exec|execdir|ok|okdir|fprint|fprintf|fls)\b`, Message: "find with side effects"},
		{Pattern: `:\(\)\s*\{\s*:\|:&\s*\};:`, Message: "fork bomb"},
	}
}
