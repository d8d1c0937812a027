package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"github.com/kanbeast/kanbeast/pkg/models"
)

// Settings is the persisted server/worker configuration. It lives at
// env/settings.json; environment variables override file values at load time.
type Settings struct {
	Port                 int                `json:"port" env:"KANBEAST_PORT"`
	EnvDir               string             `json:"-" env:"KANBEAST_ENV_DIR"`
	ConversationStrategy string             `json:"conversationStrategy" env:"KANBEAST_CONVERSATION_STRATEGY"`
	CompactionThreshold  int                `json:"compactionThreshold" env:"KANBEAST_COMPACTION_THRESHOLD"`
	MaxIterations        int                `json:"maxIterations" env:"KANBEAST_MAX_ITERATIONS"`
	DefaultPlannerLlmID  string             `json:"defaultPlannerLlmId" env:"KANBEAST_PLANNER_LLM"`
	DefaultSubAgentLlmID string             `json:"defaultSubAgentLlmId" env:"KANBEAST_SUBAGENT_LLM"`
	WorkerCommand        string             `json:"workerCommand" env:"KANBEAST_WORKER_COMMAND"`
	LLMConfigs           []models.LLMConfig `json:"llmConfigs"`
}

func DefaultSettings() *Settings {
	return &Settings{
		Port:                 8240,
		EnvDir:               "env",
		ConversationStrategy: models.StrategyCompacting,
		CompactionThreshold:  40960,
		MaxIterations:        25,
		WorkerCommand:        "kanbeast-worker",
	}
}

// Load reads env/settings.json (if present), then applies environment
// overrides. A missing file is not an error; the defaults stand.
func Load() (*Settings, error) {
	s := DefaultSettings()
	if dir := os.Getenv("KANBEAST_ENV_DIR"); dir != "" {
		s.EnvDir = dir
	}

	path := s.SettingsPath()
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return s, nil
}

// Save writes the settings back to env/settings.json as pretty JSON.
func (s *Settings) Save() error {
	if err := os.MkdirAll(s.EnvDir, 0o755); err != nil {
		return fmt.Errorf("failed to create env dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return os.WriteFile(s.SettingsPath(), append(data, '\n'), 0o644)
}

// Merge applies a settings patch: fields are copied only when non-empty /
// non-zero, so a partial PUT never clears existing values.
func (s *Settings) Merge(patch *Settings) {
	if patch.Port != 0 {
		s.Port = patch.Port
	}
	if patch.ConversationStrategy != "" {
		s.ConversationStrategy = patch.ConversationStrategy
	}
	if patch.CompactionThreshold != 0 {
		s.CompactionThreshold = patch.CompactionThreshold
	}
	if patch.MaxIterations != 0 {
		s.MaxIterations = patch.MaxIterations
	}
	if patch.DefaultPlannerLlmID != "" {
		s.DefaultPlannerLlmID = patch.DefaultPlannerLlmID
	}
	if patch.DefaultSubAgentLlmID != "" {
		s.DefaultSubAgentLlmID = patch.DefaultSubAgentLlmID
	}
	if patch.WorkerCommand != "" {
		s.WorkerCommand = patch.WorkerCommand
	}
	if len(patch.LLMConfigs) > 0 {
		s.LLMConfigs = patch.LLMConfigs
	}
}

func (s *Settings) SettingsPath() string {
	return filepath.Join(s.EnvDir, "settings.json")
}

func (s *Settings) TicketsDir() string {
	return filepath.Join(s.EnvDir, "tickets")
}

func (s *Settings) ConversationsDir() string {
	return filepath.Join(s.EnvDir, "conversations")
}

func (s *Settings) PromptsDir() string {
	return filepath.Join(s.EnvDir, "prompts")
}

func (s *Settings) TranscriptsDir() string {
	return filepath.Join(s.EnvDir, "transcripts")
}
