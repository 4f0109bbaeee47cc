package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotSequence is returned when a task list's top level is not a list.
	ErrNotSequence = errors.New("task list must be a sequence of {name, prompt} objects")
	// ErrEmptyList is returned for a list without entries.
	ErrEmptyList = errors.New("task list is empty")
	// ErrDuplicateName is returned when two tasks would write the same file.
	ErrDuplicateName = errors.New("duplicate task name")
)

// LoadFile reads a task list from a JSON or YAML file. The whole file is
// rejected if any entry is invalid.
func LoadFile(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(data)
	}
}

// Parse decodes a JSON task list. Input that is not JSON is tried as YAML.
func Parse(data []byte) ([]Task, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyList
	}
	if !json.Valid(trimmed) {
		return ParseYAML(data)
	}
	if trimmed[0] != '[' {
		return nil, ErrNotSequence
	}

	var list []Task
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return validate(list)
}

// ParseYAML decodes a YAML task list.
func ParseYAML(data []byte) ([]Task, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, ErrEmptyList
	}
	if root.Content[0].Kind != yaml.SequenceNode {
		return nil, ErrNotSequence
	}

	var list []Task
	if err := root.Content[0].Decode(&list); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return validate(list)
}

func validate(list []Task) ([]Task, error) {
	if len(list) == 0 {
		return nil, ErrEmptyList
	}
	seen := make(map[string]int, len(list))
	for i, t := range list {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("task %d: missing name", i)
		}
		if strings.TrimSpace(t.Prompt) == "" {
			return nil, fmt.Errorf("task %d (%s): missing prompt", i, t.Name)
		}
		file := t.TargetFilename()
		if j, ok := seen[file]; ok {
			return nil, fmt.Errorf("task %d (%s) and task %d (%s) both write %s: %w", j, list[j].Name, i, t.Name, file, ErrDuplicateName)
		}
		seen[file] = i
	}
	return list, nil
}
