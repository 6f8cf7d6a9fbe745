package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"attache/internal/config"
	"attache/pkg/logx"
)

func TestTranslateStates(t *testing.T) {
	tests := []struct {
		name    string
		session remoteSession
		status  Status
		pending bool
	}{
		{name: "queued", session: remoteSession{State: "queued", Owner: "agent-1"}, status: StatusRunning},
		{name: "running", session: remoteSession{State: "running", Owner: "agent-1"}, status: StatusRunning},
		{name: "owner none means done", session: remoteSession{State: "running", Owner: "none", Output: "report"}, status: StatusDone},
		{name: "exited", session: remoteSession{State: "exited", Owner: "agent-1"}, status: StatusDone},
		{name: "failed", session: remoteSession{State: "failed", Error: "oom"}, status: StatusError},
		{name: "error field wins over owner", session: remoteSession{State: "running", Owner: "none", Error: "crashed"}, status: StatusError},
		{
			name:    "waiting input",
			session: remoteSession{State: "waiting-input", Owner: "agent-1", Pending: &remotePending{ID: "req-1", Kind: "exec", Target: "rm -rf build"}},
			status:  StatusRunning,
			pending: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate(tt.session)
			if got.Status != tt.status {
				t.Fatalf("Status = %s, want %s", got.Status, tt.status)
			}
			if tt.pending != (got.PendingInput != nil) {
				t.Fatalf("PendingInput = %+v", got.PendingInput)
			}
			if tt.pending && got.PendingInput.RequestID != "req-1" {
				t.Fatalf("RequestID = %q", got.PendingInput.RequestID)
			}
		})
	}
}

func TestTranslateUsage(t *testing.T) {
	got := translate(remoteSession{State: "running", Owner: "a", Usage: &remoteUsage{ContextPct: 91}})
	if got.Usage == nil || got.Usage.ContextPct != 91 {
		t.Fatalf("Usage = %+v", got.Usage)
	}
}

func newTestRemote(t *testing.T, h http.Handler) *remoteExecutor {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	r, err := newRemoteExecutor(config.RemoteConfig{BaseURL: srv.URL, Token: "tok"}, logx.Nop())
	if err != nil {
		t.Fatalf("newRemoteExecutor: %v", err)
	}
	return r
}

func TestRemoteStartAndPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.NotFound(w, req)
			return
		}
		if req.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body["task"] != "summarize" {
			t.Errorf("task = %v", body["task"])
		}
		_ = json.NewEncoder(w).Encode(remoteSession{ID: "s-1", State: "queued"})
	})
	mux.HandleFunc("/v1/sessions/s-1", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.NotFound(w, req)
			return
		}
		_ = json.NewEncoder(w).Encode(remoteSession{ID: "s-1", State: "running", Owner: "none", Output: "ok"})
	})
	r := newTestRemote(t, mux)

	res, err := r.Start(context.Background(), Task{Text: "summarize"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.SessionID != "s-1" || !res.Queued {
		t.Fatalf("StartResult = %+v", res)
	}

	poll, err := r.Poll(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if poll.Status != StatusDone || poll.Output != "ok" {
		t.Fatalf("PollResult = %+v", poll)
	}
}

func TestRemoteStartRejected(t *testing.T) {
	r := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := r.Start(context.Background(), Task{Text: "x"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestRemoteResumeConflict(t *testing.T) {
	r := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	err := r.Resume(context.Background(), "s-9", "hello", ResumeOptions{})
	if !errors.Is(err, ErrResumeInvalid) {
		t.Fatalf("err = %v, want ErrResumeInvalid", err)
	}
}

func TestRemotePollUnknown(t *testing.T) {
	r := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := r.Poll(context.Background(), "gone")
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestRemoteCleanupToleratesNotFound(t *testing.T) {
	r := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := r.Cleanup(context.Background(), "gone"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
}
