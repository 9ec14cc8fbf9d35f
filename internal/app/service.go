// Package app holds the application service behind the web UI: capturing
// gems, reviewing them on schedule, forging, synthesis and the prompt vault.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/conorfennell/metis/internal/domain"
	"github.com/conorfennell/metis/internal/forge"
	"github.com/conorfennell/metis/internal/knol"
	"github.com/conorfennell/metis/internal/parser"
	"github.com/conorfennell/metis/internal/review"
	"github.com/conorfennell/metis/internal/storage"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForging   = errors.New("gem is already being forged")
	ErrSelection = errors.New("synthesis needs two different gems")
	ErrGenerator = errors.New("generator failed")
)

// SynthesisType is the type given to gems produced by synthesis.
const SynthesisType = "framework"

// Store is the persistence the service needs. *storage.DB implements it.
type Store interface {
	InsertGem(ctx context.Context, g domain.Gem) error
	FindGem(ctx context.Context, id string) (*domain.Gem, error)
	ListGems(ctx context.Context) ([]domain.Gem, error)
	UpdateGemReview(ctx context.Context, id string, level int, reviewAt *time.Time) error
	UpdateGemForge(ctx context.Context, id, status, forged string) error
	SetGemStatus(ctx context.Context, id, from, to string) (bool, error)
	ResetForging(ctx context.Context) (int64, error)
	DeleteGem(ctx context.Context, id string) error
	InsertReviewLog(ctx context.Context, l domain.ReviewLog) error
	ListReviewLogs(ctx context.Context, gemID string) ([]domain.ReviewLog, error)

	InsertPrompt(ctx context.Context, p domain.Prompt) error
	UpdatePrompt(ctx context.Context, p domain.Prompt) error
	DeletePrompt(ctx context.Context, id string) error
	FindPrompt(ctx context.Context, id string) (*domain.Prompt, error)
	ListPrompts(ctx context.Context) ([]domain.Prompt, error)
}

// Service owns the application state shared by every request handler.
type Service struct {
	store     Store
	scheduler *review.Scheduler
	generator forge.Generator
	validate  *validator.Validate
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now as the source of the current instant.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires a service.
func NewService(store Store, scheduler *review.Scheduler, generator forge.Generator, opts ...Option) *Service {
	s := &Service{
		store:     store,
		scheduler: scheduler,
		generator: generator,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scheduler exposes the review policy, e.g. for rendering intervals.
func (s *Service) Scheduler() *review.Scheduler {
	return s.scheduler
}

// NewGem is the input for capturing a gem.
type NewGem struct {
	Title   string `validate:"required,max=200"`
	Content string `validate:"required,max=10000"`
	Type    string `validate:"required,max=50"`
	Tags    string `validate:"max=500"` // comma separated
}

// ExtractGem validates and stores a new gem, scheduled for its first review.
func (s *Service) ExtractGem(ctx context.Context, in NewGem) (domain.Gem, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Content = strings.TrimSpace(in.Content)
	in.Type = strings.TrimSpace(in.Type)
	if err := s.validate.Struct(in); err != nil {
		return domain.Gem{}, err
	}

	gem := domain.Gem{
		Title:   in.Title,
		Content: in.Content,
		Type:    in.Type,
		Tags:    parser.SplitTags(in.Tags),
	}
	return s.create(ctx, gem)
}

func (s *Service) create(ctx context.Context, gem domain.Gem) (domain.Gem, error) {
	now := s.now()
	gem.ID = uuid.NewString()
	gem.Hash = knol.Hash(gem)
	gem.Status = domain.StatusIdle
	gem.CreatedAt = now
	gem = s.scheduler.Schedule(gem, now)

	if err := s.store.InsertGem(ctx, gem); err != nil {
		return domain.Gem{}, err
	}
	slog.Info("gem captured", "id", gem.ID, "title", gem.Title, "review_at", gem.ReviewAt)
	return gem, nil
}

// MarkReviewed advances a gem by one level and records the review.
func (s *Service) MarkReviewed(ctx context.Context, id string) (domain.Gem, error) {
	gem, err := s.findGem(ctx, id)
	if err != nil {
		return domain.Gem{}, err
	}

	now := s.now()
	reviewed := s.scheduler.RecordReview(gem, now)
	if err := s.store.UpdateGemReview(ctx, id, reviewed.ReviewLevel, reviewed.ReviewAt); err != nil {
		return domain.Gem{}, notFound(err)
	}

	err = s.store.InsertReviewLog(ctx, domain.ReviewLog{
		GemID:        id,
		Level:        reviewed.ReviewLevel,
		ReviewedAt:   now,
		NextReviewAt: *reviewed.ReviewAt,
	})
	if err != nil {
		// The schedule is already stored; a missing log entry only loses history.
		slog.Warn("failed to record review log", "id", id, "error", err)
	}

	slog.Info("gem reviewed", "id", id, "level", reviewed.ReviewLevel, "review_at", reviewed.ReviewAt)
	return reviewed, nil
}

// Forge runs a gem's content through the generator using a vault prompt,
// or the default prompt when promptID is empty. Only one forge per gem may
// run at a time.
func (s *Service) Forge(ctx context.Context, gemID, promptID string) (domain.Gem, error) {
	gem, err := s.findGem(ctx, gemID)
	if err != nil {
		return domain.Gem{}, err
	}

	var tmpl string
	if promptID != "" {
		p, err := s.store.FindPrompt(ctx, promptID)
		if err != nil {
			return domain.Gem{}, err
		}
		if p == nil {
			return domain.Gem{}, fmt.Errorf("prompt %s: %w", promptID, ErrNotFound)
		}
		tmpl = p.Content
	}

	ok, err := s.store.SetGemStatus(ctx, gemID, domain.StatusIdle, domain.StatusForging)
	if err != nil {
		return domain.Gem{}, err
	}
	if !ok {
		return domain.Gem{}, fmt.Errorf("gem %s: %w", gemID, ErrForging)
	}

	slog.Info("forging gem", "id", gemID, "prompt", promptID)
	forged, genErr := s.generator.Generate(ctx, forge.ForgePrompt(tmpl, gem.Content))
	if genErr != nil {
		// Use a fresh context so a cancelled request still releases the gem.
		if err := s.store.UpdateGemForge(context.WithoutCancel(ctx), gemID, domain.StatusIdle, gem.ForgedContent); err != nil {
			slog.Error("failed to reset gem after forge error", "id", gemID, "error", err)
		}
		return domain.Gem{}, fmt.Errorf("forge gem %s: %w: %w", gemID, ErrGenerator, genErr)
	}

	if err := s.store.UpdateGemForge(ctx, gemID, domain.StatusIdle, forged); err != nil {
		if _, resetErr := s.store.SetGemStatus(context.WithoutCancel(ctx), gemID, domain.StatusForging, domain.StatusIdle); resetErr != nil {
			slog.Error("failed to reset gem after storing forge result", "id", gemID, "error", resetErr)
		}
		return domain.Gem{}, err
	}
	gem.ForgedContent = forged
	gem.Status = domain.StatusIdle
	return gem, nil
}

// ReleaseStaleForges returns gems left forging by an interrupted run to
// idle. Call it at startup, before serving requests.
func (s *Service) ReleaseStaleForges(ctx context.Context) (int64, error) {
	n, err := s.store.ResetForging(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("released gems left forging", "count", n)
	}
	return n, nil
}

// Synthesize links two gems into a new one generated from both.
func (s *Service) Synthesize(ctx context.Context, idA, idB string) (domain.Gem, error) {
	if idA == "" || idB == "" || idA == idB {
		return domain.Gem{}, ErrSelection
	}
	a, err := s.findGem(ctx, idA)
	if err != nil {
		return domain.Gem{}, err
	}
	b, err := s.findGem(ctx, idB)
	if err != nil {
		return domain.Gem{}, err
	}

	content, err := s.generator.Generate(ctx, forge.SynthesisPrompt(a.Title, a.Content, b.Title, b.Content))
	if err != nil {
		return domain.Gem{}, fmt.Errorf("synthesize %s and %s: %w: %w", idA, idB, ErrGenerator, err)
	}

	tags := slices.Clone(a.Tags)
	for _, t := range b.Tags {
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}

	return s.create(ctx, domain.Gem{
		Title:   fmt.Sprintf("[Synthesis] %s & %s", a.Title, b.Title),
		Content: content,
		Type:    SynthesisType,
		Tags:    tags,
	})
}

// DeleteGem removes a gem and its review history.
func (s *Service) DeleteGem(ctx context.Context, id string) error {
	if err := s.store.DeleteGem(ctx, id); err != nil {
		return notFound(err)
	}
	slog.Info("gem deleted", "id", id)
	return nil
}

// History returns the reviews recorded for a gem.
func (s *Service) History(ctx context.Context, id string) (domain.Gem, []domain.ReviewLog, error) {
	gem, err := s.findGem(ctx, id)
	if err != nil {
		return domain.Gem{}, nil, err
	}
	logs, err := s.store.ListReviewLogs(ctx, id)
	if err != nil {
		return domain.Gem{}, nil, err
	}
	return gem, logs, nil
}

// Dashboard is everything the main view renders.
type Dashboard struct {
	Gems    []domain.Gem
	Due     []domain.Gem
	NotDue  []domain.Gem
	Prompts []domain.Prompt
	AsOf    time.Time
}

// DueCount is the number of gems waiting for review.
func (d Dashboard) DueCount() int {
	return len(d.Due)
}

// Dashboard loads all gems and splits off those due for review now.
func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	gems, err := s.store.ListGems(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	prompts, err := s.store.ListPrompts(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	asOf := s.now()
	due, notDue := review.PartitionDue(gems, asOf)
	return Dashboard{
		Gems:    gems,
		Due:     due,
		NotDue:  notDue,
		Prompts: prompts,
		AsOf:    asOf,
	}, nil
}

func (s *Service) findGem(ctx context.Context, id string) (domain.Gem, error) {
	gem, err := s.store.FindGem(ctx, id)
	if err != nil {
		return domain.Gem{}, err
	}
	if gem == nil {
		return domain.Gem{}, fmt.Errorf("gem %s: %w", id, ErrNotFound)
	}
	return *gem, nil
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
