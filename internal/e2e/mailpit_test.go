//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestMailpitE2E runs the binary twice against a fake upstream: the first
// cycle commits the baseline without alerting, the second detects a new
// programme and must land an alert mail in Mailpit.
func TestMailpitE2E(t *testing.T) {
	if os.Getenv("AFFWATCH_E2E") == "" {
		t.Skip("set AFFWATCH_E2E=1 to enable e2e tests")
	}

	repoRoot, err := findRepoRoot()
	if err != nil {
		t.Fatalf("find repo root: %v", err)
	}

	composeFile := getenv("MAILPIT_COMPOSE_FILE", filepath.Join(repoRoot, "docker-compose.yml"))
	apiBase := strings.TrimRight(getenv("MAILPIT_API_BASE", "http://localhost:8025"), "/")

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := dockerCompose(ctx, repoRoot, composeFile, "up", "-d"); err != nil {
		t.Fatalf("docker compose up: %v", err)
	}
	if os.Getenv("MAILPIT_KEEP_RUNNING") == "" {
		t.Cleanup(func() {
			_ = dockerCompose(context.Background(), repoRoot, composeFile, "down")
		})
	}

	waitForHTTP200(t, ctx, apiBase+"/api/v1/messages")
	_ = httpDo(ctx, http.MethodDelete, apiBase+"/api/v1/messages", nil)

	runID := fmt.Sprintf("%d%d", time.Now().Unix(), rand.IntN(1_000_000))

	upstream := &fakeAWIN{ids: []string{"1001", "1002"}}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	workDir := t.TempDir()
	configYAML := strings.ReplaceAll(configFixtureYAML, "__BASE_URL__", server.URL)
	configYAML = strings.ReplaceAll(configYAML, "__STORAGE__", filepath.Join(workDir, "state.sqlite3"))

	configFile := filepath.Join(workDir, "affwatch.yaml")
	if err := os.WriteFile(configFile, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	env := append(os.Environ(),
		"AWIN_TOKEN=e2e-token",
		"AWIN_PUBLISHER_ID=12345",
		"SMTP_HOST=localhost",
		"SMTP_PORT=1025",
		"SMTP_TLS_MODE=disabled",
	)

	runCycle := func() {
		t.Helper()
		cmd := exec.CommandContext(ctx, "go", "run", "./cmd/affwatch", "-config", configFile, "-run-once")
		cmd.Dir = repoRoot
		cmd.Env = env
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("affwatch run failed: %v\n%s", err, out)
		}
	}

	// Baseline cycle: commit only, no alert.
	runCycle()
	if got := mailpitMessageCount(t, ctx, apiBase); got != 0 {
		t.Fatalf("baseline cycle produced %d messages, want 0", got)
	}

	// A new programme appears upstream.
	upstream.set([]string{"1001", "1002", runID})
	runCycle()

	msgID := waitForMailpitMessageID(t, ctx, apiBase, runID)
	raw := mustHTTPGet(t, ctx, apiBase+"/api/v1/message/"+msgID)

	var msg mailpitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("parse message json: %v\n%s", err, raw)
	}

	if !strings.Contains(msg.Subject, "New programme") || !strings.Contains(msg.Subject, runID) {
		t.Fatalf("unexpected subject: %q", msg.Subject)
	}
	body := firstNonEmpty(msg.HTML, msg.Text, msg.Body)
	if !strings.Contains(body, runID) {
		t.Fatalf("programme id not found in message body")
	}
}

// fakeAWIN serves the programmes endpoint with a mutable id set.
type fakeAWIN struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeAWIN) set(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = ids
}

func (f *fakeAWIN) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.URL.Path, "/programmes") {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	type record struct {
		AdvertiserID json.Number `json:"advertiserId"`
	}
	records := make([]record, 0, len(f.ids))
	for _, id := range f.ids {
		records = append(records, record{AdvertiserID: json.Number(id)})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"programmes": records})
}

const configFixtureYAML = `watch:
  markets: ["ES"]
  storage_path: "__STORAGE__"
alerts:
  from: "affwatch@example.com"
  to: ["dev@example.com"]
  max_attempts: 2
  backoff_base: 100ms
upstream:
  base_url: "__BASE_URL__"
`

type mailpitMessagesResponse struct {
	Messages []mailpitMessageSummary `json:"messages"`
}

type mailpitMessageSummary struct {
	ID      string `json:"ID"`
	Subject string `json:"Subject"`
}

type mailpitMessage struct {
	Subject string `json:"Subject"`
	HTML    string `json:"HTML"`
	Text    string `json:"Text"`
	Body    string `json:"Body"`
}

func mailpitMessageCount(t *testing.T, ctx context.Context, apiBase string) int {
	t.Helper()
	raw := mustHTTPGet(t, ctx, apiBase+"/api/v1/messages")
	var res mailpitMessagesResponse
	_ = json.Unmarshal(raw, &res)
	return len(res.Messages)
}

func waitForMailpitMessageID(t *testing.T, ctx context.Context, apiBase string, runID string) string {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		raw := mustHTTPGet(t, ctx, apiBase+"/api/v1/messages")
		var res mailpitMessagesResponse
		_ = json.Unmarshal(raw, &res)
		for _, m := range res.Messages {
			if strings.Contains(m.Subject, runID) && m.ID != "" {
				return m.ID
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for mailpit message with programme id %q", runID)
	return ""
}

func dockerCompose(ctx context.Context, repoRoot string, composeFile string, args ...string) error {
	all := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", all...)
	cmd.Dir = repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %w\n%s", cmd.Args, err, out)
	}
	return nil
}

func waitForHTTP200(t *testing.T, ctx context.Context, url string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil && resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", url)
}

func mustHTTPGet(t *testing.T, ctx context.Context, url string) []byte {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("GET %s: status=%d body=%s", url, resp.StatusCode, body)
	}
	return body
}

func httpDo(ctx context.Context, method string, url string, body []byte) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, _ := http.NewRequestWithContext(ctx, method, url, r)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status=%d", method, url, resp.StatusCode)
	}
	return nil
}

func findRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		next := filepath.Dir(dir)
		if next == dir {
			break
		}
		dir = next
	}
	return "", errors.New("go.mod not found in parent directories")
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
