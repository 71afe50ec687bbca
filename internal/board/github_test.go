package board_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"sprintline/internal/board"
	"sprintline/internal/domain"
)

// githubFixture serves one pull request and a configurable check-runs
// response for its head commit.
func githubFixture(t *testing.T, draft bool, checkStatus int, checkRuns string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/repo/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/vnd.github.v3+json" {
			t.Errorf("missing accept header")
		}
		if draft {
			w.Write([]byte(`{"draft": true, "head": {"sha": "abc123"}}`))
			return
		}
		w.Write([]byte(`{"draft": false, "head": {"sha": "abc123"}}`))
	})
	mux.HandleFunc("/repos/org/repo/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		if checkStatus != http.StatusOK {
			w.WriteHeader(checkStatus)
			return
		}
		w.Write([]byte(checkRuns))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHubResolverStates(t *testing.T) {
	cases := []struct {
		name        string
		draft       bool
		checkStatus int
		checkRuns   string
		want        string
	}{
		{
			name:  "draft pr",
			draft: true,
			want:  domain.PRStateDraft,
		},
		{
			name:        "clean checks are mergeable",
			checkStatus: http.StatusOK,
			checkRuns:   `{"check_runs": [{"status": "completed", "conclusion": "success"}]}`,
			want:        domain.PRStateMergeable,
		},
		{
			name:        "no checks at all are mergeable",
			checkStatus: http.StatusOK,
			checkRuns:   `{"check_runs": []}`,
			want:        domain.PRStateMergeable,
		},
		{
			name:        "failed check wins",
			checkStatus: http.StatusOK,
			checkRuns:   `{"check_runs": [{"status": "completed", "conclusion": "success"}, {"status": "completed", "conclusion": "failure"}]}`,
			want:        domain.PRStateFailing,
		},
		{
			name:        "in-progress check stays open",
			checkStatus: http.StatusOK,
			checkRuns:   `{"check_runs": [{"status": "in_progress", "conclusion": ""}]}`,
			want:        domain.PRStateOpen,
		},
		{
			name:        "action required stays open",
			checkStatus: http.StatusOK,
			checkRuns:   `{"check_runs": [{"status": "completed", "conclusion": "action_required"}]}`,
			want:        domain.PRStateOpen,
		},
		{
			name:        "forbidden checks count as passing",
			checkStatus: http.StatusForbidden,
			want:        domain.PRStateMergeable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := githubFixture(t, tc.draft, tc.checkStatus, tc.checkRuns)
			resolver := board.GitHubResolver{BaseURL: srv.URL}
			state, err := resolver.Resolve(context.Background(), "https://github.com/org/repo/pull/7")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if state != tc.want {
				t.Fatalf("state = %q, want %q", state, tc.want)
			}
		})
	}
}

func TestGitHubResolverRejectsNonPRURL(t *testing.T) {
	resolver := board.GitHubResolver{}
	if _, err := resolver.Resolve(context.Background(), "https://example.com/doc"); err == nil {
		t.Fatal("expected an error for a non-PR url")
	}
}

func TestGitHubResolverSendsBearerToken(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/repo/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"draft": true, "head": {"sha": "abc123"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resolver := board.GitHubResolver{BaseURL: srv.URL, Token: "secret"}
	if _, err := resolver.Resolve(context.Background(), "https://github.com/org/repo/pull/7"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}
