package planparse

import (
	"reflect"
	"testing"

	"github.com/flowstate-dev/flowstate/internal/core"
)

func TestExtractValidationCommands(t *testing.T) {
	plan := "# Plan\n\nDo things.\n\n## Validation\n\n```bash\ngo build ./...\ngo test ./...\n```\n"
	got := ExtractValidationCommands(plan)
	want := []string{"go build ./...", "go test ./..."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestExtractValidationCommandsMinimal(t *testing.T) {
	plan := "P\n## Validation\n\n```bash\ntrue\n```"
	got := ExtractValidationCommands(plan)
	if len(got) != 1 || got[0] != "true" {
		t.Errorf("commands = %v, want [true]", got)
	}
}

func TestExtractValidationIgnoresOtherSections(t *testing.T) {
	plan := "## Implementation\n\n```bash\nrm -rf /\n```\n\n## Validation\n\n```sh\nmake check\n```\n\n## Appendix\n\n```bash\necho nope\n```\n"
	got := ExtractValidationCommands(plan)
	want := []string{"make check"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestExtractValidationSkipsCommentsAndBlanks(t *testing.T) {
	plan := "## Validation\n```bash\n# build first\ngo vet ./...\n\n```\n"
	got := ExtractValidationCommands(plan)
	want := []string{"go vet ./..."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestExtractValidationNonShellFence(t *testing.T) {
	plan := "## Validation\n```json\n{\"not\": \"a command\"}\n```\n"
	if got := ExtractValidationCommands(plan); len(got) != 0 {
		t.Errorf("json fence produced commands: %v", got)
	}
}

func TestExtractValidationEmptyPlan(t *testing.T) {
	if got := ExtractValidationCommands(""); len(got) != 0 {
		t.Errorf("empty plan produced commands: %v", got)
	}
	if got := ExtractValidationCommands("# Plan\nno validation here"); len(got) != 0 {
		t.Errorf("plan without validation section produced commands: %v", got)
	}
}

func TestExtractSubtasks(t *testing.T) {
	plan := `# Plan

#### SUBTASK: Wire the store
**Capability:** heavy
**Description:**
Add the sqlite layer.
Cover claims.
**Files**
1 ` + "`internal/storage/sqlite.go`" + `
2 ` + "`internal/storage/runs.go`" + `
---

#### SUBTASK: Add the CLI
**Description:**
Cobra commands.
---
`
	got := ExtractSubtasks(plan)
	if len(got) != 2 {
		t.Fatalf("subtasks = %d, want 2", len(got))
	}

	first := got[0]
	if first.Title != "Wire the store" {
		t.Errorf("title = %q", first.Title)
	}
	if first.Capability == nil || *first.Capability != core.CapabilityHeavy {
		t.Errorf("capability = %v, want heavy", first.Capability)
	}
	if first.Description != "Add the sqlite layer.\nCover claims." {
		t.Errorf("description = %q", first.Description)
	}
	if !reflect.DeepEqual(first.Files, []string{"internal/storage/sqlite.go", "internal/storage/runs.go"}) {
		t.Errorf("files = %v", first.Files)
	}
	if first.SortOrder != 1 {
		t.Errorf("sort order = %f, want 1", first.SortOrder)
	}

	second := got[1]
	if second.Title != "Add the CLI" || second.Capability != nil {
		t.Errorf("second = %+v", second)
	}
	if second.SortOrder != 2 {
		t.Errorf("second sort order = %f, want 2", second.SortOrder)
	}
}

func TestExtractSubtasksTrailingBlockWithoutDelimiter(t *testing.T) {
	plan := "#### SUBTASK: Lone block\n**Description:**\nNo trailing dashes."
	got := ExtractSubtasks(plan)
	if len(got) != 1 || got[0].Title != "Lone block" {
		t.Fatalf("subtasks = %+v, want one 'Lone block'", got)
	}
}

func TestExtractSubtasksNone(t *testing.T) {
	if got := ExtractSubtasks("just a plan\n## Validation\n```bash\ntrue\n```"); len(got) != 0 {
		t.Errorf("subtasks = %+v, want none", got)
	}
}
