package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/conorfennell/metis/internal/domain"
)

// InsertPrompt adds a prompt to the vault.
func (db *DB) InsertPrompt(ctx context.Context, p domain.Prompt) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO prompts (id, name, content, created_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.Name, p.Content, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert prompt %s: %w", p.ID, err)
	}
	return nil
}

// UpdatePrompt changes a prompt's name and content.
func (db *DB) UpdatePrompt(ctx context.Context, p domain.Prompt) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE prompts SET name = ?, content = ? WHERE id = ?
	`, p.Name, p.Content, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update prompt %s: %w", p.ID, err)
	}
	return expectOne(res, "update prompt "+p.ID)
}

// DeletePrompt removes a prompt from the vault.
func (db *DB) DeletePrompt(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete prompt %s: %w", id, err)
	}
	return expectOne(res, "delete prompt "+id)
}

// FindPrompt retrieves a prompt by ID. It returns nil, nil when absent.
func (db *DB) FindPrompt(ctx context.Context, id string) (*domain.Prompt, error) {
	var p domain.Prompt
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, content, created_at FROM prompts WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find prompt %s: %w", id, err)
	}
	return &p, nil
}

// ListPrompts returns the vault in creation order.
func (db *DB) ListPrompts(ctx context.Context) ([]domain.Prompt, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, content, created_at FROM prompts ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []domain.Prompt
	for rows.Next() {
		var p domain.Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt row: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}
