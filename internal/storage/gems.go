package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/metis/internal/domain"
)

const gemColumns = `id, hash, title, content, type, tags, forged_content, status,
	review_level, review_at, created_at, source_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGem(row rowScanner) (domain.Gem, error) {
	var (
		g        domain.Gem
		tags     string
		reviewAt sql.NullTime
		sourceID sql.NullInt64
	)
	err := row.Scan(
		&g.ID,
		&g.Hash,
		&g.Title,
		&g.Content,
		&g.Type,
		&tags,
		&g.ForgedContent,
		&g.Status,
		&g.ReviewLevel,
		&reviewAt,
		&g.CreatedAt,
		&sourceID,
	)
	if err != nil {
		return domain.Gem{}, err
	}
	if err := json.Unmarshal([]byte(tags), &g.Tags); err != nil {
		return domain.Gem{}, fmt.Errorf("failed to decode tags for gem %s: %w", g.ID, err)
	}
	g.ReviewAt = fromNullTime(reviewAt)
	if sourceID.Valid {
		id := sourceID.Int64
		g.SourceID = &id
	}
	return g, nil
}

func scanGems(rows *sql.Rows) ([]domain.Gem, error) {
	defer rows.Close()

	var gems []domain.Gem
	for rows.Next() {
		g, err := scanGem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gem row: %w", err)
		}
		gems = append(gems, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gem rows: %w", err)
	}
	return gems, nil
}

// InsertGem inserts a new gem into the database.
func (db *DB) InsertGem(ctx context.Context, g domain.Gem) error {
	tags := g.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags for gem %s: %w", g.ID, err)
	}

	var sourceID sql.NullInt64
	if g.SourceID != nil {
		sourceID = sql.NullInt64{Int64: *g.SourceID, Valid: true}
	}
	status := g.Status
	if status == "" {
		status = domain.StatusIdle
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO gems (`+gemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		g.ID,
		g.Hash,
		g.Title,
		g.Content,
		g.Type,
		string(encoded),
		g.ForgedContent,
		status,
		g.ReviewLevel,
		toNullTime(g.ReviewAt),
		g.CreatedAt.UTC(),
		sourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert gem %s: %w", g.ID, err)
	}
	return nil
}

// FindGem retrieves a gem by its ID. It returns nil, nil when no gem matches.
func (db *DB) FindGem(ctx context.Context, id string) (*domain.Gem, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+gemColumns+` FROM gems WHERE id = ?`, id)
	g, err := scanGem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Gem not found
		}
		return nil, fmt.Errorf("failed to find gem %s: %w", id, err)
	}
	return &g, nil
}

// FindGemByHash retrieves the gem with the given content hash imported from
// the given source. It returns nil, nil when no gem matches.
func (db *DB) FindGemByHash(ctx context.Context, sourceID int64, hash string) (*domain.Gem, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+gemColumns+` FROM gems WHERE source_id = ? AND hash = ?`, sourceID, hash)
	g, err := scanGem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find gem by hash %s: %w", hash, err)
	}
	return &g, nil
}

// ListGems returns every gem, newest first.
func (db *DB) ListGems(ctx context.Context) ([]domain.Gem, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+gemColumns+` FROM gems ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list gems: %w", err)
	}
	return scanGems(rows)
}

// ListGemsBySource returns all gems imported from a source.
func (db *DB) ListGemsBySource(ctx context.Context, sourceID int64) ([]domain.Gem, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+gemColumns+` FROM gems WHERE source_id = ? ORDER BY rowid`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get gems for source ID %d: %w", sourceID, err)
	}
	return scanGems(rows)
}

// UpdateGemReview stores a gem's new review level and due date.
func (db *DB) UpdateGemReview(ctx context.Context, id string, level int, reviewAt *time.Time) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE gems SET review_level = ?, review_at = ? WHERE id = ?
	`, level, toNullTime(reviewAt), id)
	if err != nil {
		return fmt.Errorf("failed to update review state for gem %s: %w", id, err)
	}
	return expectOne(res, "update review state for gem "+id)
}

// UpdateGemForge stores the result of a forge call together with the new status.
func (db *DB) UpdateGemForge(ctx context.Context, id, status, forged string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE gems SET status = ?, forged_content = ? WHERE id = ?
	`, status, forged, id)
	if err != nil {
		return fmt.Errorf("failed to update forged content for gem %s: %w", id, err)
	}
	return expectOne(res, "update forged content for gem "+id)
}

// SetGemStatus moves a gem from one status to another. It reports false,
// without error, when the gem exists but is not in the expected status.
func (db *DB) SetGemStatus(ctx context.Context, id, from, to string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE gems SET status = ? WHERE id = ? AND status = ?
	`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to set status for gem %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for gem %s: %w", id, err)
	}
	return n == 1, nil
}

// ResetForging returns every gem left in the forging status to idle and
// reports how many were reset.
func (db *DB) ResetForging(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE gems SET status = ? WHERE status = ?
	`, domain.StatusIdle, domain.StatusForging)
	if err != nil {
		return 0, fmt.Errorf("failed to reset forging gems: %w", err)
	}
	return res.RowsAffected()
}

// DeleteGem removes a gem and its review history.
func (db *DB) DeleteGem(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of gem %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM review_logs WHERE gem_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete review logs for gem %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM gems WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete gem %s: %w", id, err)
	}
	if err := expectOne(res, "delete gem "+id); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertReviewLog records a completed review.
func (db *DB) InsertReviewLog(ctx context.Context, l domain.ReviewLog) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO review_logs (gem_id, level, reviewed_at, next_review_at)
		VALUES (?, ?, ?, ?)
	`, l.GemID, l.Level, l.ReviewedAt.UTC(), l.NextReviewAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert review log for gem %s: %w", l.GemID, err)
	}
	return nil
}

// ListReviewLogs returns a gem's reviews, oldest first.
func (db *DB) ListReviewLogs(ctx context.Context, gemID string) ([]domain.ReviewLog, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT gem_id, level, reviewed_at, next_review_at
		FROM review_logs WHERE gem_id = ? ORDER BY id
	`, gemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review logs for gem %s: %w", gemID, err)
	}
	defer rows.Close()

	var logs []domain.ReviewLog
	for rows.Next() {
		var l domain.ReviewLog
		if err := rows.Scan(&l.GemID, &l.Level, &l.ReviewedAt, &l.NextReviewAt); err != nil {
			return nil, fmt.Errorf("failed to scan review log row: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
