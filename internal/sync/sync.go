package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/metis/internal/domain"
	"github.com/conorfennell/metis/internal/gitsource"
	"github.com/conorfennell/metis/internal/knol"
	"github.com/conorfennell/metis/internal/parser"
	"github.com/conorfennell/metis/internal/review"
	"github.com/conorfennell/metis/internal/storage"
)

// ErrSourceExists is returned when adding a path that is already a source.
var ErrSourceExists = errors.New("source already exists")

// Syncer imports gems from markdown files in local directories and git
// repositories.
type Syncer struct {
	DB        *storage.DB
	Scheduler *review.Scheduler
	ReposDir  string
	Now       func() time.Time

	// GitSync fetches a repository; nil uses gitsource.Sync.
	GitSync func(ctx context.Context, url, localPath string) error
}

// Result summarises a sync run.
type Result struct {
	Sources  int
	Imported int
	Removed  int
	Errors   int
}

// SourceType classifies a path as a git remote or a local directory.
func SourceType(path string) string {
	if strings.HasSuffix(path, ".git") || strings.HasPrefix(path, "git@") ||
		strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return domain.SourceGit
	}
	return domain.SourceLocal
}

// AddSource registers a new source. Local paths are stored as absolute paths.
func (s *Syncer) AddSource(ctx context.Context, path string) (domain.Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.Source{}, fmt.Errorf("source path cannot be empty")
	}
	sourceType := SourceType(path)
	if sourceType == domain.SourceLocal {
		abs, err := filepath.Abs(path)
		if err != nil {
			return domain.Source{}, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		path = abs
	}

	existing, err := s.DB.FindSourceByPath(ctx, path)
	if err != nil {
		return domain.Source{}, err
	}
	if existing != nil {
		return *existing, fmt.Errorf("%s: %w", path, ErrSourceExists)
	}

	id, err := s.DB.InsertSource(ctx, path, sourceType)
	if err != nil {
		return domain.Source{}, err
	}
	slog.Info("Source added", "id", id, "type", sourceType, "path", path)
	return domain.Source{ID: id, Path: path, Type: sourceType}, nil
}

// Run iterates over all sources and reconciles them. A failing source is
// logged and counted; it does not stop the others.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	slog.Info("Starting sync process for all sources...")
	sources, err := s.DB.GetAllSources(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get sources: %w", err)
	}

	var res Result
	if len(sources) == 0 {
		slog.Info("No sources configured. Add one with --add-source <path/or/url.git>")
		return res, nil
	}

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		slog.Info("Syncing source", "id", source.ID, "type", source.Type, "path", source.Path)
		res.Sources++

		dir := source.Path
		if source.Type == domain.SourceGit {
			localRepoPath, err := gitURLToLocalPath(s.reposDir(), source.Path)
			if err != nil {
				slog.Error("Error determining local path for git repo", "url", source.Path, "error", err)
				res.Errors++
				continue
			}
			if err := s.gitSync(ctx, source.Path, localRepoPath); err != nil {
				slog.Error("Error syncing git repo", "url", source.Path, "error", err)
				res.Errors++
				continue
			}
			dir = localRepoPath
		}

		imported, removed, errs := s.reconcile(ctx, source, dir)
		res.Imported += imported
		res.Removed += removed
		res.Errors += errs
	}

	slog.Info("Sync process complete.",
		"sources", res.Sources,
		"imported", res.Imported,
		"removed", res.Removed,
		"errors", res.Errors,
	)
	return res, nil
}

func (s *Syncer) reconcile(ctx context.Context, source domain.Source, dir string) (imported, removed, errCount int) {
	var errs []error
	found := make(map[string]bool)
	now := s.now()

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}

		gems, parseErr := parser.ParseFile(path)
		if parseErr != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", path, parseErr))
		}
		for _, gem := range gems {
			gem.Hash = knol.Hash(gem)
			found[gem.Hash] = true

			existing, findErr := s.DB.FindGemByHash(ctx, source.ID, gem.Hash)
			if findErr != nil {
				errs = append(errs, fmt.Errorf("db check for %s: %w", gem.Hash, findErr))
				continue
			}
			if existing != nil {
				continue
			}

			sourceID := source.ID
			gem.ID = uuid.NewString()
			gem.Status = domain.StatusIdle
			gem.CreatedAt = now
			gem.SourceID = &sourceID
			gem = s.Scheduler.Schedule(gem, now)

			slog.Info("New gem found, inserting...", "hash", gem.Hash, "file", path)
			if insertErr := s.DB.InsertGem(ctx, gem); insertErr != nil {
				errs = append(errs, fmt.Errorf("db insert for %s: %w", gem.Hash, insertErr))
				continue
			}
			imported++
		}
		return nil
	})

	if walkErr != nil {
		slog.Error("Error walking directory", "path", dir, "error", walkErr)
		return imported, 0, len(errs) + 1
	}

	// Gems of an unreadable file are missing from found, so orphans are
	// only removed after a clean walk.
	if len(errs) > 0 {
		for _, e := range errs {
			slog.Warn("Sync error", "source_id", source.ID, "error", e)
		}
		slog.Warn("Skipping orphan removal after errors", "source_id", source.ID, "errors", len(errs))
		return imported, 0, len(errs)
	}

	dbGems, err := s.DB.ListGemsBySource(ctx, source.ID)
	if err != nil {
		slog.Error("Error getting gems for source", "source_id", source.ID, "error", err)
		return imported, 0, 1
	}

	for _, g := range dbGems {
		if found[g.Hash] {
			continue
		}
		slog.Info("Orphaned gem, deleting", "id", g.ID, "hash", g.Hash)
		if err := s.DB.DeleteGem(ctx, g.ID); err != nil {
			slog.Warn("Failed to delete orphaned gem", "id", g.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if err := s.DB.UpdateSourceLastScanned(ctx, source.ID, now); err != nil {
		slog.Warn("Failed to update last scanned for source", "source_id", source.ID, "error", err)
	}

	for _, e := range errs {
		slog.Warn("Sync error", "source_id", source.ID, "error", e)
	}
	slog.Info("reconciliation complete",
		"path", dir,
		"imported", imported,
		"orphaned_deleted", removed,
		"errors", len(errs),
	)
	return imported, removed, len(errs)
}

func (s *Syncer) reposDir() string {
	if s.ReposDir == "" {
		return "repos"
	}
	return s.ReposDir
}

func (s *Syncer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Syncer) gitSync(ctx context.Context, url, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create repos directory: %w", err)
	}
	if s.GitSync != nil {
		return s.GitSync(ctx, url, localPath)
	}
	return gitsource.Sync(ctx, url, localPath)
}

func gitURLToLocalPath(baseDir, repoURL string) (string, error) {
	parsedURL, err := url.Parse(repoURL)
	if err != nil || (parsedURL.Scheme != "https" && parsedURL.Scheme != "http") {
		if strings.Contains(repoURL, "@") {
			parts := strings.Split(repoURL, ":")
			if len(parts) == 2 {
				hostAndUser := strings.Split(parts[0], "@")
				if len(hostAndUser) == 2 {
					host := hostAndUser[1]
					repoPath := strings.TrimSuffix(parts[1], ".git")
					return filepath.Join(baseDir, host, repoPath), nil
				}
			}
		}
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	sanitizedPath := strings.TrimSuffix(parsedURL.Path, ".git")
	return filepath.Join(baseDir, parsedURL.Host, sanitizedPath), nil
}
