package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/metis/internal/app"
	"github.com/conorfennell/metis/internal/domain"
	"github.com/conorfennell/metis/internal/forge"
	"github.com/conorfennell/metis/internal/storage"
	"github.com/conorfennell/metis/internal/sync"
)

//go:embed all:static
var staticFiles embed.FS

//go:embed all:templates
var templateFiles embed.FS

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	app       *app.Service
	syncer    *sync.Syncer
	db        Pinger
	router    *http.ServeMux
	templates *template.Template
}

// NewServer creates and configures a new server.
func NewServer(svc *app.Service, syncer *sync.Syncer, db Pinger) (*Server, error) {
	tpl, err := template.New("").Funcs(template.FuncMap{
		"ago":  humanize.Time,
		"join": strings.Join,
		"date": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
	}).ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		app:       svc,
		syncer:    syncer,
		db:        db,
		router:    http.NewServeMux(),
		templates: tpl,
	}
	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.router.ServeHTTP(w, r)
	slog.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

// routes sets up the routing for the server.
func (s *Server) routes() error {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return err
	}
	s.router.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	s.router.HandleFunc("GET /healthz", s.handleHealth())

	s.router.HandleFunc("GET /{$}", s.handleIndex())
	s.router.HandleFunc("POST /gems", s.handleExtractGem())
	s.router.HandleFunc("POST /gems/{id}/review", s.handleMarkReviewed())
	s.router.HandleFunc("POST /gems/{id}/forge", s.handleForge())
	s.router.HandleFunc("GET /gems/{id}/history", s.handleHistory())
	s.router.HandleFunc("DELETE /gems/{id}", s.handleDeleteGem())
	s.router.HandleFunc("POST /synthesis", s.handleSynthesis())

	// Prompt vault
	s.router.HandleFunc("GET /prompts", s.handleGetPrompts())
	s.router.HandleFunc("POST /prompts", s.handleSavePrompt())
	s.router.HandleFunc("DELETE /prompts/{id}", s.handleDeletePrompt())

	// Source management routes
	s.router.HandleFunc("GET /sources", s.handleGetSources())
	s.router.HandleFunc("POST /sources", s.handlePostSource())
	s.router.HandleFunc("DELETE /sources/{id}", s.handleDeleteSource())
	s.router.HandleFunc("POST /sync", s.handlePostSync())
	return nil
}

// gemView is a gem prepared for rendering.
type gemView struct {
	domain.Gem
	Forged       template.HTML
	NextInterval int // days the next review would add
	Prompts      []domain.Prompt
	ReviewList   bool
}

// curveStep is one row of the review curve shown on the dashboard.
type curveStep struct {
	Level int
	Days  int
}

type dashboardView struct {
	Gems     []gemView
	Due      []gemView
	DueCount int
	Prompts  []domain.Prompt
	Curve    []curveStep
}

func (s *Server) reviewCurve() []curveStep {
	sched := s.app.Scheduler()
	levels := sched.Levels()
	curve := make([]curveStep, 0, len(levels))
	for _, level := range levels {
		curve = append(curve, curveStep{Level: level, Days: sched.Interval(level)})
	}
	return curve
}

func (s *Server) dashboardData(ctx context.Context) (dashboardView, error) {
	d, err := s.app.Dashboard(ctx)
	if err != nil {
		return dashboardView{}, err
	}
	return dashboardView{
		Gems:     s.gemViews(d.Gems, d.Prompts, false),
		Due:      s.gemViews(d.Due, d.Prompts, true),
		DueCount: d.DueCount(),
		Prompts:  d.Prompts,
		Curve:    s.reviewCurve(),
	}, nil
}

func (s *Server) gemViews(gems []domain.Gem, prompts []domain.Prompt, reviewList bool) []gemView {
	sched := s.app.Scheduler()
	views := make([]gemView, 0, len(gems))
	for _, g := range gems {
		v := gemView{
			Gem:          g,
			NextInterval: sched.Interval(g.ReviewLevel + 1),
			Prompts:      prompts,
			ReviewList:   reviewList,
		}
		if g.ForgedContent != "" {
			html, err := forge.RenderMarkdown(g.ForgedContent)
			if err != nil {
				slog.Warn("Failed to render forged content", "id", g.ID, "error", err)
				html = template.HTML(template.HTMLEscapeString(g.ForgedContent))
			}
			v.Forged = html
		}
		views = append(views, v)
	}
	return views
}

// render executes a template, logging failures; headers are already sent.
func (s *Server) render(w http.ResponseWriter, name string, data any) {
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("Failed to render template", "template", name, "error", err)
	}
}

// renderLists re-renders the gem and review lists for HTMX swaps, or
// redirects plain form posts back to the dashboard.
func (s *Server) renderLists(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("HX-Request") == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	data, err := s.dashboardData(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.render(w, "gem_lists", data)
}

// writeError maps service errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		http.Error(w, validationMessage(verrs), http.StatusBadRequest)
	case errors.Is(err, app.ErrSelection):
		http.Error(w, "Select exactly two different gems", http.StatusBadRequest)
	case errors.Is(err, app.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, app.ErrForging):
		http.Error(w, "This gem is already being forged", http.StatusConflict)
	case errors.Is(err, sync.ErrSourceExists):
		http.Error(w, "Source already exists", http.StatusConflict)
	case errors.Is(err, app.ErrGenerator):
		slog.Error("Generator call failed", "error", err)
		http.Error(w, "The generator could not complete the request", http.StatusBadGateway)
	default:
		slog.Error("Request failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func validationMessage(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "max":
			msgs = append(msgs, fe.Field()+" is too long")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}
}

// handleIndex renders the dashboard with the gem list and the due reviews.
func (s *Server) handleIndex() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := s.dashboardData(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.render(w, "index", data)
	}
}

func (s *Server) handleExtractGem() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := s.app.ExtractGem(r.Context(), app.NewGem{
			Title:   r.PostFormValue("source"),
			Content: r.PostFormValue("content"),
			Type:    r.PostFormValue("type"),
			Tags:    r.PostFormValue("tags"),
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.renderLists(w, r)
	}
}

func (s *Server) handleMarkReviewed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.app.MarkReviewed(r.Context(), r.PathValue("id")); err != nil {
			s.writeError(w, err)
			return
		}
		s.renderLists(w, r)
	}
}

func (s *Server) handleForge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := s.app.Forge(r.Context(), r.PathValue("id"), r.PostFormValue("prompt_id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.renderLists(w, r)
	}
}

func (s *Server) handleDeleteGem() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.app.DeleteGem(r.Context(), r.PathValue("id")); err != nil {
			s.writeError(w, err)
			return
		}
		s.renderLists(w, r)
	}
}

func (s *Server) handleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gem, logs, err := s.app.History(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.render(w, "history", map[string]any{
			"Gem":  gem,
			"Logs": logs,
		})
	}
}

// handleSynthesis links the two gems selected in the list.
func (s *Server) handleSynthesis() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form", http.StatusBadRequest)
			return
		}
		selected := r.PostForm["gem"]
		if len(selected) != 2 {
			s.writeError(w, app.ErrSelection)
			return
		}
		if _, err := s.app.Synthesize(r.Context(), selected[0], selected[1]); err != nil {
			s.writeError(w, err)
			return
		}
		s.renderLists(w, r)
	}
}

func (s *Server) handleGetPrompts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prompts, err := s.app.ListPrompts(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		data := map[string]any{"Prompts": prompts}
		if id := r.URL.Query().Get("edit"); id != "" {
			p, err := s.app.FindPrompt(r.Context(), id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			data["Editing"] = p
		}
		s.render(w, "prompts", data)
	}
}

// renderPromptList re-renders the vault list for HTMX, or redirects.
func (s *Server) renderPromptList(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("HX-Request") == "" {
		http.Redirect(w, r, "/prompts", http.StatusSeeOther)
		return
	}
	prompts, err := s.app.ListPrompts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.render(w, "prompt_list", map[string]any{"Prompts": prompts})
}

func (s *Server) handleSavePrompt() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := s.app.SavePrompt(r.Context(), app.PromptInput{
			ID:      r.PostFormValue("id"),
			Name:    r.PostFormValue("name"),
			Content: r.PostFormValue("content"),
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.renderPromptList(w, r)
	}
}

func (s *Server) handleDeletePrompt() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.app.DeletePrompt(r.Context(), r.PathValue("id")); err != nil {
			s.writeError(w, err)
			return
		}
		s.renderPromptList(w, r)
	}
}

// renderSourceList re-renders the source list to be swapped by HTMX.
func (s *Server) renderSourceList(w http.ResponseWriter, r *http.Request, tmpl string) {
	sources, err := s.syncer.DB.GetAllSources(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.render(w, tmpl, map[string]any{"Sources": sources})
}

// handleGetSources renders the main sources management page.
func (s *Server) handleGetSources() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.renderSourceList(w, r, "sources")
	}
}

// handlePostSource adds a new source and re-renders the source list.
func (s *Server) handlePostSource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimSpace(r.PostFormValue("path"))
		if path == "" {
			http.Error(w, "Path cannot be empty", http.StatusBadRequest)
			return
		}
		if _, err := s.syncer.AddSource(r.Context(), path); err != nil {
			s.writeError(w, err)
			return
		}
		s.renderSourceList(w, r, "source_list")
	}
}

// handleDeleteSource deletes a source and re-renders the source list.
func (s *Server) handleDeleteSource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid source ID", http.StatusBadRequest)
			return
		}
		if err := s.syncer.DB.DeleteSource(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		s.renderSourceList(w, r, "source_list")
	}
}

// handlePostSync triggers a manual sync and re-renders the source list.
func (s *Server) handlePostSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.syncer.Run(r.Context()) // Run in the foreground to make the user wait
		if err != nil {
			s.writeError(w, err)
			return
		}
		sources, err := s.syncer.DB.GetAllSources(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		// Render both the summary and the updated list
		s.render(w, "sync_success", res)
		s.render(w, "source_list", map[string]any{"Sources": sources})
	}
}
