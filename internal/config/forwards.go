package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/blockedby/tgrelay/internal/models"
)

// errors
var (
	ErrNoForwards      = errors.New("no forwards configured")
	ErrInvalidForwards = errors.New("invalid forward config")
	ErrForwardNotFound = errors.New("forward not found")
)

// Issue is a validation finding for one forward config entry.
type Issue struct {
	Index    int
	SourceID int64
	Message  string
	// Fatal issues reject the file, others leave the entry inert.
	Fatal bool
}

func (i Issue) String() string {
	level := "warning"
	if i.Fatal {
		level = "error"
	}
	return fmt.Sprintf("%s: entry %d (source %d): %s", level, i.Index, i.SourceID, i.Message)
}

// LoadForwards reads forward configs from a JSON or YAML file.
// A missing file yields an empty list.
func LoadForwards(path string) ([]models.ForwardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read forward config: %w", err)
	}
	return ParseForwards(data, isYAML(path))
}

// ParseForwards decodes a forward config list.
func ParseForwards(data []byte, asYAML bool) ([]models.ForwardConfig, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var configs []models.ForwardConfig
	if asYAML {
		if err := yaml.Unmarshal(data, &configs); err != nil {
			return nil, fmt.Errorf("parse forward config yaml: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &configs); err != nil {
			return nil, fmt.Errorf("parse forward config json: %w", err)
		}
	}
	return configs, nil
}

// SaveForwards writes configs atomically in the format implied by the extension.
func SaveForwards(path string, configs []models.ForwardConfig) error {
	if configs == nil {
		configs = []models.ForwardConfig{}
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(configs)
	} else {
		data, err = json.MarshalIndent(configs, "", "    ")
	}
	if err != nil {
		return fmt.Errorf("encode forward config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write forward config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace forward config: %w", err)
	}
	return nil
}

// ValidateForwards checks the entries of a forward config list.
func ValidateForwards(configs []models.ForwardConfig) []Issue {
	var issues []Issue
	seen := make(map[int64]int, len(configs))

	for i, c := range configs {
		if c.SourceID == 0 {
			issues = append(issues, Issue{Index: i, Message: "sourceID is required", Fatal: true})
			continue
		}
		if prev, dup := seen[c.SourceID]; dup {
			issues = append(issues, Issue{
				Index:    i,
				SourceID: c.SourceID,
				Message:  fmt.Sprintf("duplicate sourceID, first seen at entry %d", prev),
				Fatal:    true,
			})
			continue
		}
		seen[c.SourceID] = i

		if err := models.ValidateDateRange(c.StartDate, c.EndDate); err != nil {
			issues = append(issues, Issue{Index: i, SourceID: c.SourceID, Message: err.Error(), Fatal: true})
		}
		if c.DestinationID == 0 {
			issues = append(issues, Issue{Index: i, SourceID: c.SourceID, Message: "no destination, entry is skipped"})
		}
		if c.DestinationID != 0 && c.DestinationID == c.SourceID {
			issues = append(issues, Issue{Index: i, SourceID: c.SourceID, Message: "destination equals source", Fatal: true})
		}
	}
	return issues
}

// BuildForwardSet validates configs and returns the set for one run.
// Non-fatal issues are returned alongside the set.
func BuildForwardSet(configs []models.ForwardConfig) (*models.ForwardSet, []Issue, error) {
	issues := ValidateForwards(configs)
	var fatal []string
	for _, is := range issues {
		if is.Fatal {
			fatal = append(fatal, is.String())
		}
	}
	if len(fatal) > 0 {
		return nil, issues, fmt.Errorf("%w: %s", ErrInvalidForwards, strings.Join(fatal, "; "))
	}

	set, err := models.NewForwardSet(configs)
	if err != nil {
		return nil, issues, err
	}
	return set, issues, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ForwardsFile serializes edits of a forward config file.
// Edits take effect on the next forwarding run.
type ForwardsFile struct {
	mu   sync.Mutex
	path string
}

// NewForwardsFile returns an editor for the file at path.
func NewForwardsFile(path string) *ForwardsFile {
	return &ForwardsFile{path: path}
}

// Path returns the file path.
func (f *ForwardsFile) Path() string {
	return f.path
}

// Load reads the current configs.
func (f *ForwardsFile) Load() ([]models.ForwardConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return LoadForwards(f.path)
}

// Update applies fn to the stored configs and saves the result
// unless it has fatal issues.
func (f *ForwardsFile) Update(fn func([]models.ForwardConfig) ([]models.ForwardConfig, error)) ([]models.ForwardConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	configs, err := LoadForwards(f.path)
	if err != nil {
		return nil, err
	}
	configs, err = fn(configs)
	if err != nil {
		return nil, err
	}
	if _, _, err := BuildForwardSet(configs); err != nil {
		return nil, err
	}
	if err := SaveForwards(f.path, configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// Upsert adds c or replaces the entry with the same source id.
func (f *ForwardsFile) Upsert(c models.ForwardConfig) error {
	_, err := f.Update(func(configs []models.ForwardConfig) ([]models.ForwardConfig, error) {
		for i := range configs {
			if configs[i].SourceID == c.SourceID {
				configs[i] = c
				return configs, nil
			}
		}
		return append(configs, c), nil
	})
	return err
}

// Remove deletes the entry of sourceID.
func (f *ForwardsFile) Remove(sourceID int64) error {
	_, err := f.Update(func(configs []models.ForwardConfig) ([]models.ForwardConfig, error) {
		for i := range configs {
			if configs[i].SourceID == sourceID {
				return append(configs[:i], configs[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %d", ErrForwardNotFound, sourceID)
	})
	return err
}

// Toggle flips the enabled flag of sourceID and returns the new entry.
func (f *ForwardsFile) Toggle(sourceID int64) (models.ForwardConfig, error) {
	var out models.ForwardConfig
	_, err := f.Update(func(configs []models.ForwardConfig) ([]models.ForwardConfig, error) {
		for i := range configs {
			if configs[i].SourceID == sourceID {
				enabled := !configs[i].IsEnabled()
				configs[i].Enabled = &enabled
				out = configs[i]
				return configs, nil
			}
		}
		return nil, fmt.Errorf("%w: %d", ErrForwardNotFound, sourceID)
	})
	return out, err
}
