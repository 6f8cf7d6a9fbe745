package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"attache/internal/config"
	"attache/pkg/logx"
)

// procSession tracks one spawned process. A session id may be carried across
// multiple processes (start, then resumes), but never two at once: Resume is
// rejected while the prior process for that id is still running, which gives
// mutual exclusion without any external locking.
type procSession struct {
	cmd     *exec.Cmd
	outPath string
	done    chan struct{}

	exited  bool
	exitErr error
}

type processRunner struct {
	argv    []string
	workdir string
	outDir  string
	log     logx.Logger

	mu       sync.Mutex
	sessions map[string]*procSession
}

func newProcessRunner(cfg config.ExecutorConfig, stateDir string, log logx.Logger) (*processRunner, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("executor: process backend needs a command")
	}
	outDir := filepath.Join(stateDir, "sessions")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &processRunner{
		argv:     append([]string(nil), cfg.Command...),
		workdir:  cfg.Workdir,
		outDir:   outDir,
		log:      log,
		sessions: map[string]*procSession{},
	}, nil
}

func (r *processRunner) Start(ctx context.Context, task Task) (StartResult, error) {
	id := uuid.NewString()
	input := task.Text
	if task.Context != "" {
		input = task.Context + "\n\n" + task.Text
	}
	if err := r.spawn(id, input, task.ApprovalMode, task.Rules, false); err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	r.log.Info("session process started", logx.String("session", id))
	return StartResult{SessionID: id}, nil
}

func (r *processRunner) Resume(ctx context.Context, sessionID, message string, opts ResumeOptions) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrResumeInvalid
	}
	if !s.exited {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %s still running", ErrRejected, sessionID)
	}
	r.mu.Unlock()

	if err := r.spawn(sessionID, message, opts.ApprovalMode, Rules{}, true); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	r.log.Info("session process resumed", logx.String("session", sessionID))
	return nil
}

func (r *processRunner) spawn(id, input, approvalMode string, rules Rules, resume bool) error {
	outPath := filepath.Join(r.outDir, id+".out")
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	// Not CommandContext: a tick's context deadline must not kill a
	// long-running session. Cleanup is the only external stop.
	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	cmd.Dir = r.workdir
	cmd.Stdin = strings.NewReader(input)
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Env = append(os.Environ(),
		"ATTACHE_SESSION_ID="+id,
		"ATTACHE_APPROVAL_MODE="+approvalMode,
		"ATTACHE_PROFILE="+profileFor(rules),
	)
	if resume {
		cmd.Env = append(cmd.Env, "ATTACHE_RESUME=1")
	}

	if err := cmd.Start(); err != nil {
		_ = f.Close()
		return err
	}

	s := &procSession{cmd: cmd, outPath: outPath, done: make(chan struct{})}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		_ = f.Close()
		r.mu.Lock()
		s.exited = true
		s.exitErr = err
		r.mu.Unlock()
		close(s.done)
	}()
	return nil
}

func profileFor(rules Rules) string {
	if rules.DenyNetwork || rules.DenyShell {
		return "restricted"
	}
	return "standard"
}

func (r *processRunner) Poll(ctx context.Context, sessionID string) (PollResult, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return PollResult{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	exited, exitErr := s.exited, s.exitErr
	r.mu.Unlock()

	if !exited {
		return PollResult{Status: StatusRunning}, nil
	}
	out := readTail(s.outPath)
	if exitErr != nil {
		return PollResult{Status: StatusError, Output: out}, nil
	}
	return PollResult{Status: StatusDone, Output: out}, nil
}

func (r *processRunner) Cleanup(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	exited := ok && s.exited
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if !exited && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		<-s.done
	}
	return nil
}

// RespondToInput is not supported: the process backend has no input channel
// into a running session.
func (r *processRunner) RespondToInput(ctx context.Context, sessionID, requestID string, approve bool, feedback string) error {
	return ErrNotSupported
}

const tailLimit = 64 << 10

func readTail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	if st.Size() > tailLimit {
		if _, err := f.Seek(st.Size()-tailLimit, io.SeekStart); err != nil {
			return ""
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
