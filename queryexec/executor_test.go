package queryexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"ideavault/backend/supabase"
)

func newTestExecutor(t *testing.T, handler http.HandlerFunc) *Executor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := supabase.NewClient(supabase.Config{URL: srv.URL, AnonKey: "anon-key"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return NewExecutor(client)
}

func TestExecuteTranslatesStatement(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/ideas" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if got := q.Get("select"); got != "id,title" {
			t.Errorf("select = %q", got)
		}
		if got := q.Get("status"); got != "eq.open" {
			t.Errorf("status filter = %q", got)
		}
		if got := q.Get("order"); got != "created_at.desc" {
			t.Errorf("order = %q", got)
		}
		if got := q.Get("limit"); got != "10" {
			t.Errorf("limit = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer agent-jwt" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`[{"id":1,"title":"dark mode"}]`))
	})

	result, err := e.Run(context.Background(),
		"SELECT id, title FROM ideas WHERE status = 'open' ORDER BY created_at DESC LIMIT 10",
		"agent-jwt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RowCount != 1 {
		t.Errorf("RowCount = %d", result.RowCount)
	}
	if result.Rows[0]["title"] != "dark mode" {
		t.Errorf("rows[0].title = %v", result.Rows[0]["title"])
	}
}

func TestExecuteCountStar(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Prefer"); got != "count=exact" {
			t.Errorf("Prefer = %q", got)
		}
		w.Header().Set("Content-Range", "0-0/137")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})

	result, err := e.Run(context.Background(), "SELECT count(*) FROM votes", "agent-jwt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RowCount != 1 {
		t.Fatalf("RowCount = %d, want the single count row", result.RowCount)
	}
	if result.Rows[0]["count"] != int64(137) {
		t.Errorf("count = %v, want 137", result.Rows[0]["count"])
	}
}

func TestRunRejectsBeforeNetwork(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the server for an unparsable statement")
	})

	if _, err := e.Run(context.Background(), "SELECT * FROM nope", "agent-jwt"); err == nil {
		t.Error("expected error for unknown table")
	}
}
