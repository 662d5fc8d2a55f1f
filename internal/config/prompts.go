package config

import (
	"fmt"
	"os"

	"github.com/ashureev/hearthly/internal/session"
	"gopkg.in/yaml.v3"
)

// promptFile is the on-disk layout of PROMPTS_PATH.
type promptFile struct {
	Prompts session.Messages `yaml:"prompts"`
}

// LoadMessages reads the prompt catalog. An empty path yields the defaults;
// prompts missing from the file keep their default text.
func LoadMessages(path string) (session.Messages, error) {
	if path == "" {
		return session.DefaultMessages(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return session.Messages{}, fmt.Errorf("read prompts: %w", err)
	}

	var f promptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return session.Messages{}, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	return f.Prompts.WithDefaults(), nil
}
