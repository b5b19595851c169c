// Package registry reads the agent registry file: the orchestrator profile,
// the nested-agent definitions available for delegation, and session limits.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Agent struct {
	ID               string   `yaml:"id" json:"id"`
	Name             string   `yaml:"name" json:"name"`
	Role             string   `yaml:"role" json:"role"`
	Model            string   `yaml:"model" json:"model"`
	Status           string   `yaml:"status" json:"status"`
	Tools            []string `yaml:"tools" json:"tools"`
	SystemPromptPath string   `yaml:"system_prompt_path" json:"system_prompt_path,omitempty"`
}

type Registry struct {
	Orchestrator   Agent   `yaml:"orchestrator" json:"orchestrator"`
	Agents         []Agent `yaml:"agents" json:"agents"`
	ConcurrencyCap int     `yaml:"concurrency_cap" json:"concurrency_cap"`
}

// Load reads and parses the registry file. A missing file is not an error:
// sessions can run with just the orchestrator defaults.
func Load(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Registry{ConcurrencyCap: 5}, nil
	}
	if err != nil {
		return Registry{}, fmt.Errorf("read registry: %w", err)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("parse registry: %w", err)
	}
	if reg.ConcurrencyCap <= 0 {
		reg.ConcurrencyCap = 5
	}
	return reg, nil
}

// Active returns the agents marked active, the only ones eligible for
// delegation.
func (r Registry) Active() []Agent {
	var out []Agent
	for _, a := range r.Agents {
		if a.Status == "active" {
			out = append(out, a)
		}
	}
	return out
}
