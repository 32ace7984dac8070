package storage

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tether/internal/logging"
)

// Seed is the on-disk seed document for the in-memory store.
type Seed struct {
	Agents []Agent `yaml:"agents"`
	Tasks  []Task  `yaml:"tasks"`
}

// LoadSeed populates the store from a YAML file. A missing file is not an
// error; a server can start with an empty board.
func LoadSeed(store *MemoryStore, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i := range seed.Agents {
		store.PutAgent(&seed.Agents[i])
	}
	for i := range seed.Tasks {
		if seed.Tasks[i].Status == "" {
			seed.Tasks[i].Status = TaskStatusTodo
		}
		store.PutTask(&seed.Tasks[i])
	}
	return nil
}

// LoggingSkillSyncer is a SkillSyncer placeholder that records sync requests.
// Real skill storage lives behind a collaborator boundary.
type LoggingSkillSyncer struct {
	Logger logging.Logger
}

// SyncSkills logs the sync request and succeeds.
func (s *LoggingSkillSyncer) SyncSkills(_ context.Context, agentID string) error {
	logging.OrNop(s.Logger).Info("skill sync requested for agent %s", agentID)
	return nil
}
