package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conorfennell/metis/internal/app"
	"github.com/conorfennell/metis/internal/review"
	"github.com/conorfennell/metis/internal/storage"
	"github.com/conorfennell/metis/internal/sync"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

type stubGenerator struct {
	reply string
	err   error
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.reply, g.err
}

type testServer struct {
	*Server
	svc *app.Service
	db  *storage.DB
	gen *stubGenerator
	now time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "metis.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sched, err := review.NewScheduler(nil, review.OverflowBase)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	ts := &testServer{db: db, gen: &stubGenerator{reply: "**Act** now"}, now: t0}
	ts.svc = app.NewService(db, sched, ts.gen, app.WithClock(func() time.Time { return ts.now }))
	syncer := &sync.Syncer{DB: db, Scheduler: sched, ReposDir: t.TempDir(), Now: func() time.Time { return ts.now }}

	srv, err := NewServer(ts.svc, syncer, db)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts.Server = srv
	return ts
}

func (ts *testServer) do(method, target string, form url.Values, htmx bool) *httptest.ResponseRecorder {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if htmx {
		req.Header.Set("HX-Request", "true")
	}
	rr := httptest.NewRecorder()
	ts.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) extract(t *testing.T, title, content string) string {
	t.Helper()
	gem, err := ts.svc.ExtractGem(context.Background(), app.NewGem{Title: title, Content: content, Type: "insight"})
	if err != nil {
		t.Fatalf("ExtractGem: %v", err)
	}
	return gem.ID
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodGet, "/healthz", nil, false)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("Expected 200 ok, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestStaticAssets(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/static/style.css", "/static/app.js"} {
		if rr := ts.do(http.MethodGet, path, nil, false); rr.Code != http.StatusOK {
			t.Errorf("Expected 200 for %s, got %d", path, rr.Code)
		}
	}
}

func TestIndex(t *testing.T) {
	ts := newTestServer(t)
	ts.extract(t, "Deep Work", "Focus is a skill")

	rr := ts.do(http.MethodGet, "/", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"Deep Work", "Focus is a skill", "Nothing to review right now.", "L0: 1d", "L4: 30d"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected index to contain %q", want)
		}
	}

	if rr := ts.do(http.MethodGet, "/nope", nil, false); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", rr.Code)
	}
}

func TestIndexShowsDueGems(t *testing.T) {
	ts := newTestServer(t)
	ts.extract(t, "Deep Work", "Focus is a skill")
	ts.now = t0.AddDate(0, 0, 1)

	rr := ts.do(http.MethodGet, "/", nil, false)
	body := rr.Body.String()
	if strings.Contains(body, "Nothing to review right now.") {
		t.Error("Expected the gem to be due at its review instant")
	}
	if !strings.Contains(body, "Reviewed (+3d)") {
		t.Error("Expected the review button to show the next interval")
	}
}

func TestExtractGem(t *testing.T) {
	t.Run("htmx gets the lists fragment", func(t *testing.T) {
		ts := newTestServer(t)
		form := url.Values{"source": {"Atomic Habits"}, "content": {"Systems beat goals"}, "type": {"insight"}, "tags": {"habits, #growth"}}
		rr := ts.do(http.MethodPost, "/gems", form, true)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		body := rr.Body.String()
		if !strings.Contains(body, `id="gem-lists"`) || !strings.Contains(body, "#growth") {
			t.Errorf("Unexpected fragment: %s", body)
		}
		if strings.Contains(body, "<html") {
			t.Error("Expected a fragment, got a full page")
		}
	})

	t.Run("plain form posts redirect", func(t *testing.T) {
		ts := newTestServer(t)
		form := url.Values{"source": {"Atomic Habits"}, "content": {"Systems beat goals"}, "type": {"insight"}}
		rr := ts.do(http.MethodPost, "/gems", form, false)
		if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/" {
			t.Errorf("Expected a redirect to /, got %d %q", rr.Code, rr.Header().Get("Location"))
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodPost, "/gems", url.Values{"source": {"Book"}, "type": {"insight"}}, true)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "Content is required") {
			t.Errorf("Unexpected message %q", rr.Body.String())
		}
	})
}

func TestMarkReviewed(t *testing.T) {
	ts := newTestServer(t)
	id := ts.extract(t, "Deep Work", "Focus is a skill")

	rr := ts.do(http.MethodPost, "/gems/"+id+"/review", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	gem, err := ts.db.FindGem(context.Background(), id)
	if err != nil || gem == nil {
		t.Fatalf("FindGem: %v", err)
	}
	if gem.ReviewLevel != 1 || !gem.ReviewAt.Equal(t0.AddDate(0, 0, 3)) {
		t.Errorf("Expected level 1 due %v, got %d %v", t0.AddDate(0, 0, 3), gem.ReviewLevel, gem.ReviewAt)
	}

	if rr := ts.do(http.MethodPost, "/gems/missing/review", nil, true); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown gem, got %d", rr.Code)
	}
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t)
	id := ts.extract(t, "Deep Work", "Focus is a skill")
	ts.do(http.MethodPost, "/gems/"+id+"/review", nil, true)

	rr := ts.do(http.MethodGet, "/gems/"+id+"/history", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "No reviews yet.") {
		t.Error("Expected the recorded review in the history")
	}
}

func TestForge(t *testing.T) {
	t.Run("renders forged markdown", func(t *testing.T) {
		ts := newTestServer(t)
		id := ts.extract(t, "Deep Work", "Focus is a skill")
		rr := ts.do(http.MethodPost, "/gems/"+id+"/forge", url.Values{"prompt_id": {""}}, true)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		body := rr.Body.String()
		if !strings.Contains(body, "<strong>Act</strong>") {
			t.Errorf("Expected rendered markdown, got %s", body)
		}
		if !strings.Contains(body, `data-markdown="**Act** now"`) {
			t.Errorf("Expected a copy button carrying the raw forged text, got %s", body)
		}
	})

	t.Run("generator failure", func(t *testing.T) {
		ts := newTestServer(t)
		ts.gen.err = errors.New("quota exceeded")
		id := ts.extract(t, "Deep Work", "Focus is a skill")
		rr := ts.do(http.MethodPost, "/gems/"+id+"/forge", url.Values{}, true)
		if rr.Code != http.StatusBadGateway {
			t.Errorf("Expected 502, got %d", rr.Code)
		}
	})

	t.Run("already forging", func(t *testing.T) {
		ts := newTestServer(t)
		id := ts.extract(t, "Deep Work", "Focus is a skill")
		if _, err := ts.db.SetGemStatus(context.Background(), id, "idle", "forging"); err != nil {
			t.Fatal(err)
		}
		rr := ts.do(http.MethodPost, "/gems/"+id+"/forge", url.Values{}, true)
		if rr.Code != http.StatusConflict {
			t.Errorf("Expected 409, got %d", rr.Code)
		}
	})

	t.Run("unknown prompt", func(t *testing.T) {
		ts := newTestServer(t)
		id := ts.extract(t, "Deep Work", "Focus is a skill")
		rr := ts.do(http.MethodPost, "/gems/"+id+"/forge", url.Values{"prompt_id": {"missing"}}, true)
		if rr.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rr.Code)
		}
	})
}

func TestSynthesis(t *testing.T) {
	ts := newTestServer(t)
	a := ts.extract(t, "Deep Work", "Focus is a skill")
	b := ts.extract(t, "Atomic Habits", "Systems beat goals")
	ts.gen.reply = "Deliberate systems build focus"

	rr := ts.do(http.MethodPost, "/synthesis", url.Values{"gem": {a}}, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a single selection, got %d", rr.Code)
	}

	rr = ts.do(http.MethodPost, "/synthesis", url.Values{"gem": {a, b}}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "[Synthesis] Deep Work &amp; Atomic Habits") {
		t.Errorf("Expected the synthesis gem in the list, got %s", rr.Body.String())
	}
}

func TestDeleteGem(t *testing.T) {
	ts := newTestServer(t)
	id := ts.extract(t, "Deep Work", "Focus is a skill")

	if rr := ts.do(http.MethodDelete, "/gems/"+id, nil, true); rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodDelete, "/gems/"+id, nil, true); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 deleting twice, got %d", rr.Code)
	}
}

func TestPrompts(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodPost, "/prompts", url.Values{"name": {"Checklist"}, "content": {"Make a checklist: {{GEM_CONTENT}}"}}, true)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Checklist") {
		t.Fatalf("Expected the saved prompt in the list, got %d %s", rr.Code, rr.Body.String())
	}

	prompts, err := ts.svc.ListPrompts(context.Background())
	if err != nil || len(prompts) != 1 {
		t.Fatalf("Expected one prompt, got %v %v", prompts, err)
	}
	id := prompts[0].ID

	rr = ts.do(http.MethodGet, "/prompts?edit="+id, nil, false)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), fmt.Sprintf(`value="%s"`, id)) {
		t.Errorf("Expected the edit form for %s, got %d", id, rr.Code)
	}

	rr = ts.do(http.MethodPost, "/prompts", url.Values{"id": {id}, "name": {"Plan"}, "content": {"Plan it"}}, false)
	if rr.Code != http.StatusSeeOther {
		t.Errorf("Expected a redirect, got %d", rr.Code)
	}

	if rr := ts.do(http.MethodPost, "/prompts", url.Values{"name": {"Empty"}}, true); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a prompt without content, got %d", rr.Code)
	}

	if rr := ts.do(http.MethodDelete, "/prompts/"+id, nil, true); rr.Code != http.StatusOK {
		t.Errorf("Expected 200 deleting the prompt, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodDelete, "/prompts/"+id, nil, true); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 deleting twice, got %d", rr.Code)
	}
}

func TestSources(t *testing.T) {
	ts := newTestServer(t)
	dir := t.TempDir()

	rr := ts.do(http.MethodPost, "/sources", url.Values{"path": {dir}}, true)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), dir) {
		t.Fatalf("Expected the new source in the list, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodPost, "/sources", url.Values{"path": {dir}}, true); rr.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a duplicate source, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/sources", url.Values{"path": {" "}}, true); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty path, got %d", rr.Code)
	}

	rr = ts.do(http.MethodPost, "/sync", nil, true)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Synced 1 sources") {
		t.Errorf("Expected the sync summary, got %d %s", rr.Code, rr.Body.String())
	}

	sources, err := ts.db.GetAllSources(context.Background())
	if err != nil || len(sources) != 1 {
		t.Fatalf("GetAllSources: %v %v", sources, err)
	}
	if rr := ts.do(http.MethodDelete, fmt.Sprintf("/sources/%d", sources[0].ID), nil, true); rr.Code != http.StatusOK {
		t.Errorf("Expected 200 deleting the source, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodDelete, "/sources/abc", nil, true); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad id, got %d", rr.Code)
	}
}
