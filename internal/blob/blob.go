// Package blob provides opaque byte storage keyed by path. Artifacts and
// run transcripts live here, never inline in the relational store.
// Concurrent overwrites are last-writer-wins.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("blob not found")

// Store is a key-addressed store of opaque bytes.
type Store interface {
	// Put creates or overwrites an object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads an object. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. No-op if absent.
	Delete(ctx context.Context, key string) error

	// List returns keys under a prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// GetOpt reads an object, returning nil (no error) when it does not exist.
func GetOpt(ctx context.Context, s Store, key string) ([]byte, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// Exists reports whether an object exists.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Key helpers. The layout is fixed:
//
//	tasks/{id}/research.md
//	tasks/{id}/specification.md
//	tasks/{id}/plan.md
//	tasks/{id}/verification.md
//	tasks/{id}/attachments/{attachment_id}/{filename}
//	claude_runs/{id}/prompt.md
//	claude_runs/{id}/output.txt

func TaskResearchKey(taskID string) string {
	return fmt.Sprintf("tasks/%s/research.md", taskID)
}

func TaskSpecKey(taskID string) string {
	return fmt.Sprintf("tasks/%s/specification.md", taskID)
}

func TaskPlanKey(taskID string) string {
	return fmt.Sprintf("tasks/%s/plan.md", taskID)
}

func TaskVerificationKey(taskID string) string {
	return fmt.Sprintf("tasks/%s/verification.md", taskID)
}

func TaskAttachmentKey(taskID, attachmentID, filename string) string {
	return fmt.Sprintf("tasks/%s/attachments/%s/%s", taskID, attachmentID, filename)
}

func RunPromptKey(runID string) string {
	return fmt.Sprintf("claude_runs/%s/prompt.md", runID)
}

func RunOutputKey(runID string) string {
	return fmt.Sprintf("claude_runs/%s/output.txt", runID)
}

// Config selects and parameterizes a Store backend. When Endpoint,
// credentials and Bucket are all present an S3-compatible backend is used;
// otherwise objects land on the local filesystem under DataDir.
type Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	DataDir         string `yaml:"data_dir"`
}

// IsS3 reports whether the config selects the S3 backend.
func (c *Config) IsS3() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// New creates a Store from configuration.
func New(cfg *Config) (Store, error) {
	if cfg.IsS3() {
		return NewS3Store(cfg)
	}
	return NewLocalStore(cfg.DataDir), nil
}
