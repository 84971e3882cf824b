package data

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/jgb-regime/pkg/types"
)

type eventsFile struct {
	Events []types.PolicyEvent `yaml:"events"`
}

// LoadEvents reads a policy-event catalog from a YAML file and returns
// the events sorted by date.
func LoadEvents(path string) ([]types.PolicyEvent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}
	var file eventsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse events file: %w", err)
	}
	for i := range file.Events {
		if file.Events[i].Date.IsZero() {
			return nil, fmt.Errorf("event %d (%q): missing date", i, file.Events[i].Label)
		}
		if file.Events[i].Label == "" {
			return nil, fmt.Errorf("event %d: missing label", i)
		}
		file.Events[i].Date = types.Day(file.Events[i].Date)
	}
	sort.Slice(file.Events, func(i, j int) bool {
		return file.Events[i].Date.Before(file.Events[j].Date)
	})
	return file.Events, nil
}
