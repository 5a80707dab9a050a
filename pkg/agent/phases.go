package agent

// Tool names accepted by the session service.
const (
	ToolReadFile  = "read-file"
	ToolWriteFile = "write-file"
	ToolEditFile  = "edit-file"
	ToolRunShell  = "run-shell"
	ToolSearchWeb = "search-web"
	ToolFetchURL  = "fetch-url"
)

// PhaseConfig is the per-phase session budget: which tools the agent may
// use and how many turns it gets. Overridable through agents.yaml.
type PhaseConfig struct {
	Tools    []string `yaml:"tools"`
	MaxTurns int      `yaml:"max_turns"`
}

// DefaultPhaseConfigs returns the compiled-in per-phase budgets.
func DefaultPhaseConfigs() map[string]PhaseConfig {
	return map[string]PhaseConfig{
		"research": {
			Tools:    []string{ToolSearchWeb, ToolFetchURL, ToolReadFile, ToolWriteFile},
			MaxTurns: 40,
		},
		"generator": {
			Tools:    []string{ToolReadFile, ToolWriteFile, ToolEditFile, ToolRunShell},
			MaxTurns: 60,
		},
		"mock_generator": {
			Tools:    []string{ToolReadFile, ToolWriteFile, ToolRunShell},
			MaxTurns: 30,
		},
		"tester": {
			Tools:    []string{ToolReadFile, ToolWriteFile, ToolEditFile, ToolRunShell},
			MaxTurns: 50,
		},
		"test_reviewer": {
			Tools:    []string{ToolReadFile},
			MaxTurns: 15,
		},
		"reviewer": {
			Tools:    []string{ToolReadFile, ToolRunShell},
			MaxTurns: 20,
		},
		"publisher": {
			Tools:    []string{ToolReadFile, ToolRunShell},
			MaxTurns: 25,
		},
	}
}

// MergePhaseConfigs applies non-zero override fields on top of the
// defaults. Unknown phase names in overrides are ignored.
func MergePhaseConfigs(defaults, overrides map[string]PhaseConfig) map[string]PhaseConfig {
	out := make(map[string]PhaseConfig, len(defaults))
	for phase, cfg := range defaults {
		if o, ok := overrides[phase]; ok {
			if len(o.Tools) > 0 {
				cfg.Tools = o.Tools
			}
			if o.MaxTurns > 0 {
				cfg.MaxTurns = o.MaxTurns
			}
		}
		out[phase] = cfg
	}
	return out
}
