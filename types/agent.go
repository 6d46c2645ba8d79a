package types

// AgentLevel is an agent's capability tier. Levels map to execution
// strategies through a flat registry, not a type hierarchy.
type AgentLevel string

const (
	LevelL1 AgentLevel = "L1"
	LevelL2 AgentLevel = "L2"
	LevelL3 AgentLevel = "L3"
	LevelL4 AgentLevel = "L4"
	LevelL5 AgentLevel = "L5"
)

// ModelConfig carries the generation parameters an agent runs with.
type ModelConfig struct {
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// Agent is read-only reference data describing one expert agent. Owned by
// the registry; safe for concurrent read across requests.
type Agent struct {
	ID            string      `json:"id" yaml:"id"`
	Level         AgentLevel  `json:"level" yaml:"level"`
	SpecialtyTags []string    `json:"specialty_tags" yaml:"specialty_tags"`
	AllowedTools  []string    `json:"allowed_tools" yaml:"allowed_tools"`
	ModelConfig   ModelConfig `json:"model_config" yaml:"model_config"`
}
