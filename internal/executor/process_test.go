package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"attache/internal/config"
	"attache/pkg/logx"
)

func newTestRunner(t *testing.T, argv ...string) *processRunner {
	t.Helper()
	r, err := newProcessRunner(config.ExecutorConfig{Kind: "process", Command: argv}, t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("newProcessRunner: %v", err)
	}
	return r
}

func waitTerminal(t *testing.T, r *processRunner, id string) PollResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := r.Poll(context.Background(), id)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if res.Status != StatusRunning {
			return res
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session did not reach a terminal status")
	return PollResult{}
}

func TestProcessStartToDone(t *testing.T) {
	r := newTestRunner(t, "sh", "-c", "cat >/dev/null; echo all done")
	res, err := r.Start(context.Background(), Task{Text: "do the thing"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("empty session id")
	}
	final := waitTerminal(t, r, res.SessionID)
	if final.Status != StatusDone {
		t.Fatalf("Status = %s, want done", final.Status)
	}
	if final.Output != "all done" {
		t.Fatalf("Output = %q", final.Output)
	}
}

func TestProcessExitCodeMapsToError(t *testing.T) {
	r := newTestRunner(t, "sh", "-c", "cat >/dev/null; echo boom; exit 3")
	res, err := r.Start(context.Background(), Task{Text: "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, r, res.SessionID)
	if final.Status != StatusError {
		t.Fatalf("Status = %s, want error", final.Status)
	}
}

func TestProcessResumeMutualExclusion(t *testing.T) {
	r := newTestRunner(t, "sh", "-c", "cat >/dev/null; sleep 3")
	res, err := r.Start(context.Background(), Task{Text: "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Cleanup(context.Background(), res.SessionID)

	// The prior process has not exited: resume must fail.
	err = r.Resume(context.Background(), res.SessionID, "more", ResumeOptions{})
	if err == nil {
		t.Fatal("expected resume to fail while session process is running")
	}
	if errors.Is(err, ErrResumeInvalid) {
		t.Fatalf("running session is not ErrResumeInvalid: %v", err)
	}
}

func TestProcessResumeAfterExit(t *testing.T) {
	r := newTestRunner(t, "sh", "-c", "cat >/dev/null; echo turn")
	res, err := r.Start(context.Background(), Task{Text: "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, r, res.SessionID)

	if err := r.Resume(context.Background(), res.SessionID, "again", ResumeOptions{}); err != nil {
		t.Fatalf("Resume after exit: %v", err)
	}
	final := waitTerminal(t, r, res.SessionID)
	if final.Status != StatusDone {
		t.Fatalf("Status = %s, want done", final.Status)
	}
}

func TestProcessResumeUnknownSession(t *testing.T) {
	r := newTestRunner(t, "true")
	err := r.Resume(context.Background(), "nope", "msg", ResumeOptions{})
	if !errors.Is(err, ErrResumeInvalid) {
		t.Fatalf("err = %v, want ErrResumeInvalid", err)
	}
}

func TestProcessCleanupKillsRunning(t *testing.T) {
	r := newTestRunner(t, "sh", "-c", "cat >/dev/null; sleep 30")
	res, err := r.Start(context.Background(), Task{Text: "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Cleanup(context.Background(), res.SessionID); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	_, err = r.Poll(context.Background(), res.SessionID)
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Poll after cleanup = %v, want ErrUnknownSession", err)
	}
	// Cleaning an unknown id is a no-op.
	if err := r.Cleanup(context.Background(), "nope"); err != nil {
		t.Fatalf("Cleanup unknown: %v", err)
	}
}

func TestProcessRespondToInputUnsupported(t *testing.T) {
	r := newTestRunner(t, "true")
	err := r.RespondToInput(context.Background(), "s", "q", true, "")
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}
}
