package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/conorfennell/metis/internal/domain"
)

// PromptInput is the vault form. An empty ID creates a new prompt.
type PromptInput struct {
	ID      string
	Name    string `validate:"required,max=100"`
	Content string `validate:"required,max=5000"`
}

// SavePrompt creates or updates a vault prompt.
func (s *Service) SavePrompt(ctx context.Context, in PromptInput) (domain.Prompt, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Content = strings.TrimSpace(in.Content)
	if err := s.validate.Struct(in); err != nil {
		return domain.Prompt{}, err
	}

	if in.ID == "" {
		p := domain.Prompt{
			ID:        uuid.NewString(),
			Name:      in.Name,
			Content:   in.Content,
			CreatedAt: s.now(),
		}
		if err := s.store.InsertPrompt(ctx, p); err != nil {
			return domain.Prompt{}, err
		}
		slog.Info("prompt created", "id", p.ID, "name", p.Name)
		return p, nil
	}

	existing, err := s.store.FindPrompt(ctx, in.ID)
	if err != nil {
		return domain.Prompt{}, err
	}
	if existing == nil {
		return domain.Prompt{}, fmt.Errorf("prompt %s: %w", in.ID, ErrNotFound)
	}
	existing.Name = in.Name
	existing.Content = in.Content
	if err := s.store.UpdatePrompt(ctx, *existing); err != nil {
		return domain.Prompt{}, notFound(err)
	}
	slog.Info("prompt updated", "id", existing.ID, "name", existing.Name)
	return *existing, nil
}

// DeletePrompt removes a vault prompt.
func (s *Service) DeletePrompt(ctx context.Context, id string) error {
	if err := s.store.DeletePrompt(ctx, id); err != nil {
		return notFound(err)
	}
	return nil
}

// ListPrompts returns the vault in creation order.
func (s *Service) ListPrompts(ctx context.Context) ([]domain.Prompt, error) {
	return s.store.ListPrompts(ctx)
}

// FindPrompt returns a prompt or ErrNotFound.
func (s *Service) FindPrompt(ctx context.Context, id string) (domain.Prompt, error) {
	p, err := s.store.FindPrompt(ctx, id)
	if err != nil {
		return domain.Prompt{}, err
	}
	if p == nil {
		return domain.Prompt{}, fmt.Errorf("prompt %s: %w", id, ErrNotFound)
	}
	return *p, nil
}
