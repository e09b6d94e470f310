package config

import "gopkg.in/yaml.v3"

// DumpYAML renders the non-secret fields of Config as YAML, used by
// cmd/apiserver's "-dump-config" diagnostic flag so operators can confirm
// what the process actually resolved from defaults+environment without
// grepping through shell history for exported env vars.
func (c *Config) DumpYAML() (string, error) {
	redacted := *c
	redacted.APIKey = ""
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
