// Package tasks loads batch task lists and derives the per-task output names
// and the run queue.
package tasks

import (
	"regexp"
	"strings"
)

// Task is one (name, prompt) unit of work producing one output file.
type Task struct {
	Name   string `json:"name" yaml:"name"`
	Prompt string `json:"prompt" yaml:"prompt"`
}

// TargetFilename returns the output filename derived from the task name.
func (t Task) TargetFilename() string {
	return TargetFilename(t.Name)
}

var unsafeNameRe = regexp.MustCompile(`(?i)[^a-z0-9_.-]`)

// TargetFilename sanitizes name into a file name: every character outside
// [A-Za-z0-9_.-] becomes '_' and ".png" is appended unless the result already
// ends in ".png" or ".jpg".
func TargetFilename(name string) string {
	safe := unsafeNameRe.ReplaceAllString(name, "_")
	if strings.HasSuffix(safe, ".png") || strings.HasSuffix(safe, ".jpg") {
		return safe
	}
	return safe + ".png"
}
