package search

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anycrawl/anycrawl/internal/config"
)

func TestSearxngProviderSendsPageNumber(t *testing.T) {
	var gotPageno string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotPageno = r.FormValue("pageno")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"title":"t","url":"https://example.com","content":"d"}]}`))
	}))
	defer srv.Close()

	provider, err := NewSearxngProvider(config.SearchConfig{
		Searxng: config.SearxngConfig{BaseURL: srv.URL},
	})
	if err != nil {
		t.Fatalf("NewSearxngProvider: %v", err)
	}

	res, err := provider.Search(t.Context(), &Request{Query: "q", Limit: 5, Page: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotPageno != "2" {
		t.Fatalf("pageno = %q, want 2", gotPageno)
	}
	if len(res.Web) != 1 {
		t.Fatalf("expected 1 result, got %d", len(res.Web))
	}

	gotPageno = ""
	if _, err := provider.Search(t.Context(), &Request{Query: "q", Limit: 5}); err != nil {
		t.Fatalf("Search (page 1): %v", err)
	}
	if gotPageno != "" {
		t.Fatalf("pageno = %q, want unset for first page", gotPageno)
	}
}
