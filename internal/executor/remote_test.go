package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteExecutorForwardsRequests(t *testing.T) {
	var gotPath string
	var gotBody ReadFileRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(Success("read ok", map[string]any{"content": "hi"}))
	}))
	defer server.Close()

	e := NewRemoteExecutor(func(ctx context.Context) (string, error) {
		return server.URL, nil
	}, "/workspace")

	result := e.ReadFile(context.Background(), ReadFileRequest{Path: "main.go", StartLine: 2})
	if !result.OK {
		t.Fatalf("ReadFile failed: %s", result.Message)
	}
	if gotPath != RouteReadFile {
		t.Errorf("path = %q, want %q", gotPath, RouteReadFile)
	}
	if gotBody.Path != "main.go" || gotBody.StartLine != 2 {
		t.Errorf("body = %+v", gotBody)
	}
	if result.Data["content"] != "hi" {
		t.Errorf("data = %v", result.Data)
	}
}

func TestRemoteExecutorResolverFailureIsValue(t *testing.T) {
	e := NewRemoteExecutor(func(ctx context.Context) (string, error) {
		return "", errors.New("pod not ready")
	}, "/workspace")

	result := e.GitStatus(context.Background())
	if result.OK {
		t.Fatal("expected failure result when resolver errors")
	}
}

func TestRemoteExecutorCommandTimeoutTravelsAsMilliseconds(t *testing.T) {
	var got commandWire
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(Success("done", nil))
	}))
	defer server.Close()

	e := NewRemoteExecutor(func(ctx context.Context) (string, error) {
		return server.URL, nil
	}, "/workspace")

	e.RunCommand(context.Background(), CommandRequest{Command: "ls"})
	if got.TimeoutMs != DefaultCommandTimeout.Milliseconds() {
		t.Errorf("timeout = %d ms, want default %d", got.TimeoutMs, DefaultCommandTimeout.Milliseconds())
	}
}

func TestRemoteExecutorMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	e := NewRemoteExecutor(func(ctx context.Context) (string, error) {
		return server.URL, nil
	}, "/workspace")

	if result := e.GitDiff(context.Background(), "main"); result.OK {
		t.Fatal("expected failure for malformed sidecar response")
	}
}
