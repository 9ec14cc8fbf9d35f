package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/metis/internal/domain"
)

// InsertSource inserts a new source path into the database and returns its ID.
func (db *DB) InsertSource(ctx context.Context, path, sourceType string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sources (path, type)
		VALUES (?, ?)
	`, path, sourceType)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for source %s: %w", path, err)
	}
	return id, nil
}

// FindSourceByPath retrieves a source from the database by its path.
func (db *DB) FindSourceByPath(ctx context.Context, path string) (*domain.Source, error) {
	var (
		s           domain.Source
		lastScanned sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, path, type, last_scanned
		FROM sources WHERE path = ?
	`, path).Scan(&s.ID, &s.Path, &s.Type, &lastScanned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Source not found
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	s.LastScanned = fromNullTime(lastScanned)
	return &s, nil
}

// GetAllSources retrieves all stored sources from the database.
func (db *DB) GetAllSources(ctx context.Context) ([]domain.Source, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, path, type, last_scanned
		FROM sources ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		var (
			s           domain.Source
			lastScanned sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.Path, &s.Type, &lastScanned); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		s.LastScanned = fromNullTime(lastScanned)
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// UpdateSourceLastScanned updates the last_scanned timestamp for a source.
func (db *DB) UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE sources
		SET last_scanned = ?
		WHERE id = ?
	`, at.UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", sourceID, err)
	}
	return expectOne(res, fmt.Sprintf("update last scanned for source ID %d", sourceID))
}

// DeleteSource removes a source together with the gems imported from it.
func (db *DB) DeleteSource(ctx context.Context, id int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of source %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM review_logs WHERE gem_id IN (SELECT id FROM gems WHERE source_id = ?)
	`, id); err != nil {
		return fmt.Errorf("failed to delete review logs for source %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM gems WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete gems for source %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	if err := expectOne(res, fmt.Sprintf("delete source %d", id)); err != nil {
		return err
	}
	return tx.Commit()
}
