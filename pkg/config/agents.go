package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/connectorforge/forge/pkg/agent"
)

// agentsFile is the on-disk shape of agents.yaml.
type agentsFile struct {
	Agents map[string]agent.PhaseConfig `yaml:"agents"`
}

// LoadPhaseOverrides reads per-phase tool/turn overrides from agents.yaml.
// A missing file is not an error; the compiled-in defaults apply.
func LoadPhaseOverrides(path string) (map[string]agent.PhaseConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents config %s: %w", path, err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agents config %s: %w", path, err)
	}

	known := agent.DefaultPhaseConfigs()
	for phase := range file.Agents {
		if _, ok := known[phase]; !ok {
			return nil, fmt.Errorf("agents config %s: unknown phase %q", path, phase)
		}
	}
	return file.Agents, nil
}
