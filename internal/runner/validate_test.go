package runner

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
}

func TestRunValidationAllPass(t *testing.T) {
	requireShell(t)

	results, passed := runValidation(context.Background(), []string{"true", "echo done"}, t.TempDir())
	if !passed {
		t.Fatalf("validation should pass: %+v", results)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !strings.Contains(results[1].Output, "done") {
		t.Errorf("output = %q", results[1].Output)
	}
}

func TestRunValidationStopsAtFirstFailure(t *testing.T) {
	requireShell(t)

	results, passed := runValidation(context.Background(), []string{"true", "false", "echo never"}, t.TempDir())
	if passed {
		t.Fatal("validation should fail")
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (stop at first failure)", len(results))
	}
	if results[1].Passed || results[1].ExitCode == 0 {
		t.Errorf("failing step = %+v", results[1])
	}
}

func TestRunValidationEmptyCommandList(t *testing.T) {
	results, passed := runValidation(context.Background(), nil, t.TempDir())
	if !passed || len(results) != 0 {
		t.Errorf("empty command list = (%v, %d results), want pass with none", passed, len(results))
	}
}

func TestFormatValidationFailures(t *testing.T) {
	msg := formatValidationFailures([]ValidationResult{
		{Command: "go build", Passed: true},
		{Command: "go test", ExitCode: 2, Output: "boom"},
	})
	if !strings.Contains(msg, "go test") || !strings.Contains(msg, "boom") || !strings.Contains(msg, "exit 2") {
		t.Errorf("message = %q", msg)
	}
	if strings.Contains(msg, "go build") {
		t.Error("passing steps should not appear in the failure report")
	}
}
