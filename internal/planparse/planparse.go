// Package planparse extracts structured data out of plan artifacts.
// Plans are markdown: validation steps appear as fenced shell blocks under
// a "Validation" heading, and subtask declarations as "#### SUBTASK:" blocks.
package planparse

import (
	"strings"

	"github.com/flowstate-dev/flowstate/internal/core"
)

// ExtractValidationCommands returns the shell commands declared in the
// plan's validation section, in order. Each non-empty, non-comment line of
// a fenced shell block is one command. Blocks outside a validation heading
// are ignored.
func ExtractValidationCommands(planContent string) []string {
	var (
		commands     []string
		inValidation bool
		inFence      bool
	)

	for _, line := range strings.Split(planContent, "\n") {
		trimmed := strings.TrimSpace(line)

		if !inFence && strings.HasPrefix(trimmed, "#") {
			heading := strings.ToLower(strings.TrimLeft(trimmed, "# "))
			inValidation = strings.Contains(heading, "validation") ||
				strings.Contains(heading, "verification steps")
			continue
		}

		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				inFence = false
				continue
			}
			lang := strings.ToLower(strings.TrimPrefix(trimmed, "```"))
			inFence = inValidation && isShellLang(lang)
			continue
		}

		if inFence {
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			commands = append(commands, trimmed)
		}
	}

	return commands
}

func isShellLang(lang string) bool {
	switch lang {
	case "", "sh", "bash", "shell", "zsh", "console":
		return true
	}
	return false
}

// SubtaskDefinition is one subtask declared inside a plan.
type SubtaskDefinition struct {
	Title       string
	Capability  *core.Capability
	Description string
	Files       []string
	SortOrder   float64
}

// ExtractSubtasks parses "#### SUBTASK:" blocks out of a plan. Blocks are
// delimited by a "---" line or the next SUBTASK heading:
//
//	#### SUBTASK: <title>
//	**Capability:** <light|standard|heavy>
//	**Description:**
//	<multi-line description>
//	**Files**
//	1 `path/to/file`
//	---
func ExtractSubtasks(planContent string) []SubtaskDefinition {
	var (
		subtasks      []SubtaskDefinition
		title         string
		capability    *core.Capability
		description   strings.Builder
		files         []string
		inDescription bool
		inFiles       bool
		sortOrder     = 1.0
	)

	flush := func() {
		if title == "" {
			return
		}
		subtasks = append(subtasks, SubtaskDefinition{
			Title:       title,
			Capability:  capability,
			Description: strings.TrimSpace(description.String()),
			Files:       files,
			SortOrder:   sortOrder,
		})
		sortOrder++
		title = ""
		capability = nil
		description.Reset()
		files = nil
	}

	for _, line := range strings.Split(planContent, "\n") {
		trimmed := strings.TrimSpace(line)

		if rest, ok := cutAnyPrefix(trimmed, "#### SUBTASK:", "#### SUBTASK :"); ok {
			flush()
			title = strings.TrimSpace(rest)
			inDescription, inFiles = false, false
			continue
		}

		if title == "" {
			continue
		}

		if trimmed == "---" {
			flush()
			inDescription, inFiles = false, false
			continue
		}

		if rest, ok := cutAnyPrefix(trimmed, "**Capability:**", "**Capability: **"); ok {
			if c, parsed := core.ParseCapability(strings.ToLower(strings.TrimSpace(rest))); parsed {
				capability = &c
			}
			inDescription, inFiles = false, false
			continue
		}

		if rest, ok := cutAnyPrefix(trimmed, "**Description:**", "**Description: **"); ok {
			inDescription, inFiles = true, false
			if after := strings.TrimSpace(rest); after != "" {
				description.WriteString(after)
				description.WriteString("\n")
			}
			continue
		}

		if trimmed == "**Files**" || trimmed == "** Files **" || trimmed == "**Files:**" {
			inDescription, inFiles = false, true
			continue
		}

		if inDescription {
			description.WriteString(trimmed)
			description.WriteString("\n")
			continue
		}

		if inFiles {
			if path := extractFilePath(trimmed); path != "" {
				files = append(files, path)
			}
		}
	}
	flush()

	return subtasks
}

func cutAnyPrefix(s string, prefixes ...string) (string, bool) {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(s, p); ok {
			return rest, true
		}
	}
	return "", false
}

// extractFilePath pulls a backticked path out of a list line like
// "1 `cmd/main.go`" or "- `internal/x.go`".
func extractFilePath(line string) string {
	start := strings.Index(line, "`")
	if start < 0 {
		return ""
	}
	end := strings.Index(line[start+1:], "`")
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}
