package sidecar

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shadowrealm-ai/shadow/internal/executor"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	workspace := t.TempDir()
	return NewServer(workspace), workspace
}

func post(t *testing.T, s http.Handler, route string, body any) executor.Result {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, route, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var result executor.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode %s response: %v (%s)", route, err, rec.Body)
	}
	return result
}

func TestFileRoundTrip(t *testing.T) {
	s, workspace := newTestServer(t)

	result := post(t, s, executor.RouteWriteFile, executor.WriteFileRequest{
		Path: "hello.txt", Content: "hello sidecar\n",
	})
	if !result.OK {
		t.Fatalf("write: %s", result.Message)
	}
	if _, err := os.Stat(filepath.Join(workspace, "hello.txt")); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	result = post(t, s, executor.RouteReadFile, executor.ReadFileRequest{Path: "hello.txt"})
	if !result.OK {
		t.Fatalf("read: %s", result.Message)
	}
	content, _ := result.Data["content"].(string)
	if content != "hello sidecar\n" {
		t.Errorf("content = %q", content)
	}
}

func TestExecuteCommandRecordsTerminal(t *testing.T) {
	s, _ := newTestServer(t)

	result := post(t, s, executor.RouteExecuteCommand, commandRequest{
		Command: "echo from-the-sandbox",
	})
	if !result.OK {
		t.Fatalf("command: %s", result.Message)
	}
	stdout, _ := result.Data["stdout"].(string)
	if !strings.Contains(stdout, "from-the-sandbox") {
		t.Errorf("stdout = %q", stdout)
	}

	entries := s.Terminal().Entries()
	if len(entries) < 2 {
		t.Fatalf("terminal entries = %d, want command and stdout", len(entries))
	}
	if entries[0].Type != EntryCommand || entries[0].Data != "echo from-the-sandbox" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Type != EntryStdout {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestFailedCommandRecordsSystemEntry(t *testing.T) {
	s, _ := newTestServer(t)

	result := post(t, s, executor.RouteExecuteCommand, commandRequest{Command: "exit 3"})
	if result.OK {
		t.Fatal("expected failure result for non-zero exit")
	}

	var sawSystem bool
	for _, entry := range s.Terminal().Entries() {
		if entry.Type == EntrySystem {
			sawSystem = true
		}
	}
	if !sawSystem {
		t.Error("no system entry recorded for failed command")
	}
}

func TestTerminalHistoryAndClear(t *testing.T) {
	s, _ := newTestServer(t)
	s.Terminal().Append(EntryCommand, "ls")
	s.Terminal().Append(EntryStdout, "main.go")

	req := httptest.NewRequest(http.MethodGet, executor.RouteTerminalHistory, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var history struct {
		Entries []Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatal(err)
	}
	if len(history.Entries) != 2 {
		t.Fatalf("entries = %d", len(history.Entries))
	}

	post(t, s, executor.RouteTerminalClear, struct{}{})
	if got := len(s.Terminal().Entries()); got != 0 {
		t.Errorf("entries after clear = %d", got)
	}

	// Ids keep counting across clears.
	entry := s.Terminal().Append(EntryCommand, "pwd")
	if entry.ID != 3 {
		t.Errorf("entry id = %d, want monotonic", entry.ID)
	}
}

func TestCommandStreamEmitsOutputAndResult(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(commandRequest{Command: "echo line-one; echo line-two"})
	req := httptest.NewRequest(http.MethodPost, executor.RouteExecuteCommandStream, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	out := rec.Body.String()
	if !strings.Contains(out, "line-one") || !strings.Contains(out, "line-two") {
		t.Errorf("stream output missing lines:\n%s", out)
	}
	if !strings.Contains(out, "event: result") || !strings.Contains(out, `"success":true`) {
		t.Errorf("stream missing final result event:\n%s", out)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestGrepRoute(t *testing.T) {
	s, workspace := newTestServer(t)
	if err := os.WriteFile(filepath.Join(workspace, "a.go"), []byte("package main\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := post(t, s, executor.RouteGrep, executor.GrepRequest{Pattern: "func main"})
	if !result.OK {
		t.Fatalf("grep: %s", result.Message)
	}
	matches, _ := result.Data["matches"].([]any)
	if len(matches) != 1 {
		t.Errorf("matches = %v", result.Data["matches"])
	}
}

func TestGitStatusOutsideRepo(t *testing.T) {
	s, _ := newTestServer(t)

	// Not a git repository: the failure arrives as a result value.
	result := post(t, s, executor.RouteGitStatus, struct{}{})
	if result.OK {
		t.Error("expected git status to fail outside a repository")
	}
}

func TestTerminalSubscribeSeesLiveEntries(t *testing.T) {
	log := NewTerminalLog()
	sub := log.Subscribe()
	defer log.Unsubscribe(sub)

	log.Append(EntryStdout, "live line")
	select {
	case entry := <-sub:
		if entry.Data != "live line" {
			t.Errorf("entry = %+v", entry)
		}
	default:
		t.Fatal("subscriber did not receive the entry")
	}
}

func TestTerminalLogBounded(t *testing.T) {
	log := NewTerminalLog()
	for i := 0; i < maxTerminalEntries+50; i++ {
		log.Append(EntryStdout, "x")
	}
	if got := len(log.Entries()); got != maxTerminalEntries {
		t.Errorf("entries = %d, want capped at %d", got, maxTerminalEntries)
	}
}
