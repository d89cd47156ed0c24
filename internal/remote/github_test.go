package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGitHubClientReadFileDecodesContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/octo/blog/contents/.pageelrc.json" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Fatalf("expected correlation id header")
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(`{"version":2}`))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"path":     ".pageelrc.json",
			"sha":      "abc123",
			"encoding": "base64",
			"content":  encoded[:4] + "\n" + encoded[4:],
		})
	}))
	defer server.Close()

	client, err := NewGitHubClient("octo/blog", GitHubOptions{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	file, err := client.ReadFile(context.Background(), "/.pageelrc.json")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if file.Content != `{"version":2}` || file.Token != "abc123" {
		t.Fatalf("unexpected file: %+v", file)
	}

	_, err = client.ReadFile(context.Background(), "missing.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for 404, got %v", err)
	}
}

func TestGitHubClientWriteFileSendsShaAndMapsConflict(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPut {
			t.Fatalf("expected PUT, got %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if call == 1 {
			if body["sha"] != "old" || body["message"] != "chore: update pageel config" {
				t.Fatalf("unexpected update body: %+v", body)
			}
			decoded, _ := base64.StdEncoding.DecodeString(body["content"])
			if string(decoded) != "hello" {
				t.Fatalf("unexpected content %q", decoded)
			}
			_, _ = w.Write([]byte(`{"content":{"sha":"new"}}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"sha mismatch"}`))
	}))
	defer server.Close()

	client, _ := NewGitHubClient("octo/blog", GitHubOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	token, err := client.WriteFile(context.Background(), ".pageelrc.json", "hello", "chore: update pageel config", "old")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if token != "new" {
		t.Fatalf("expected new token, got %q", token)
	}

	_, err = client.WriteFile(context.Background(), ".pageelrc.json", "hello", "chore: update pageel config", "stale")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Path != ".pageelrc.json" || conflict.ExpectedToken != "stale" {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected errors.Is ErrConflict")
	}
}

func TestGitHubClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"pushed_at":"2026-03-01T10:00:00Z","homepage":"https://blog.example.com/"}`))
	}))
	defer server.Close()

	client, _ := NewGitHubClient("octo/blog", GitHubOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	client.retry.baseDelay = time.Millisecond
	pushedAt, err := client.PushTimestamp(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if !pushedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected pushed_at %s", pushedAt)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", atomic.LoadInt32(&calls))
	}

	url, err := client.FindProductionURL(context.Background())
	if err != nil {
		t.Fatalf("find production url: %v", err)
	}
	if url != "https://blog.example.com" {
		t.Fatalf("expected homepage without trailing slash, got %q", url)
	}
}

func TestGitHubClientCreateOnExistingFileIsConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if r.URL.Query().Get("ref") != "content" {
				t.Fatalf("expected ref query, got %q", r.URL.RawQuery)
			}
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if _, hasSHA := body["sha"]; hasSHA {
			t.Fatalf("create must not send a sha: %+v", body)
		}
		if body["branch"] != "content" {
			t.Fatalf("expected branch in body, got %+v", body)
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Invalid request. \"sha\" wasn't supplied."}`))
	}))
	defer server.Close()

	client, _ := NewGitHubClient("octo/blog", GitHubOptions{BaseURL: server.URL, Branch: "content", HTTPClient: server.Client()})
	_, err := client.WriteFile(context.Background(), ".pageelrc.json", "{}", "chore: add pageel config", "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for 422, got %v", err)
	}

	_, err = client.ReadFile(context.Background(), ".pageelrc.json")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected plain HTTPError for a failed read, got %v", err)
	}
}

func TestGitHubClientScansTree(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/blog":
			_, _ = w.Write([]byte(`{"default_branch":"main"}`))
		case "/repos/octo/blog/git/trees/main":
			if r.URL.Query().Get("recursive") != "1" {
				t.Fatalf("expected recursive tree request")
			}
			_, _ = w.Write([]byte(`{"tree":[
				{"path":"src/content/blog","type":"tree"},
				{"path":"src/content/blog/a.md","type":"blob"},
				{"path":"notes/b.md","type":"blob"},
				{"path":"public/images/x.png","type":"blob"}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, _ := NewGitHubClient("octo/blog", GitHubOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	dirs, err := client.ScanContentDirectories(context.Background())
	if err != nil {
		t.Fatalf("scan content: %v", err)
	}
	if len(dirs) != 2 || dirs[0] != "src/content/blog" {
		t.Fatalf("unexpected content dirs %v", dirs)
	}
	images, err := client.ScanImageDirectories(context.Background())
	if err != nil {
		t.Fatalf("scan images: %v", err)
	}
	if len(images) != 1 || images[0] != "public/images" {
		t.Fatalf("unexpected image dirs %v", images)
	}
}

func TestNewGitHubClientRejectsBadRepositoryName(t *testing.T) {
	for _, name := range []string{"", "octo", "octo/", "/blog", "a/b/c"} {
		if _, err := NewGitHubClient(name, GitHubOptions{}); err == nil {
			t.Fatalf("expected error for %q", name)
		}
	}
}
