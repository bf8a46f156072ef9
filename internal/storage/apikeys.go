package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/internal/core"
)

// HashAPIKey returns the hex SHA-256 of a plaintext key. Only the hash is
// ever persisted.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey stores a new key hash under a display name.
func (d *DB) CreateAPIKey(name, plaintextKey string) (*core.APIKey, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	hash := HashAPIKey(plaintextKey)

	_, err := d.db.Exec(
		`INSERT INTO api_keys (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`,
		id, name, hash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	return &core.APIKey{ID: id, Name: name, KeyHash: hash, CreatedAt: now}, nil
}

// CheckAPIKey verifies a plaintext key and updates its last_used timestamp.
// Returns false for unknown keys.
func (d *DB) CheckAPIKey(plaintextKey string) (bool, error) {
	hash := HashAPIKey(plaintextKey)

	var id string
	err := d.db.QueryRow(`SELECT id FROM api_keys WHERE key_hash = ?`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check api key: %w", err)
	}

	_, err = d.db.Exec(`UPDATE api_keys SET last_used = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("touch api key: %w", err)
	}
	return true, nil
}

// CountAPIKeys returns the number of registered keys. When zero, the server
// runs with open access.
func (d *DB) CountAPIKeys() (int64, error) {
	var count int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM api_keys`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count api keys: %w", err)
	}
	return count, nil
}

// DeleteAPIKey removes a key by ID.
func (d *DB) DeleteAPIKey(id string) error {
	res, err := d.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateAttachment records attachment metadata; bytes live in the blob store.
func (d *DB) CreateAttachment(taskID, filename string, sizeBytes int64) (*core.Attachment, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := d.db.Exec(
		`INSERT INTO attachments (id, task_id, filename, size_bytes, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, taskID, filename, sizeBytes, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	return &core.Attachment{ID: id, TaskID: taskID, Filename: filename, SizeBytes: sizeBytes, CreatedAt: now}, nil
}

// ListAttachments returns a task's attachments, oldest first.
func (d *DB) ListAttachments(taskID string) ([]core.Attachment, error) {
	rows, err := d.db.Query(
		`SELECT id, task_id, filename, size_bytes, created_at FROM attachments
		 WHERE task_id = ? ORDER BY created_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var atts []core.Attachment
	for rows.Next() {
		var a core.Attachment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Filename, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}
