package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"attache/internal/config"
	"attache/pkg/logx"
)

// remoteExecutor drives sessions on a remote control-plane over HTTP. The
// control-plane has a richer state model (owner assignment, waiting-input);
// translate() folds it into the canonical status enum.
type remoteExecutor struct {
	base  string
	token string
	http  *http.Client
	log   logx.Logger
}

func newRemoteExecutor(cfg config.RemoteConfig, log logx.Logger) (*remoteExecutor, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("executor: remote backend needs a base url")
	}
	timeout, err := config.ParseDurationOrDefault("executor.remote.timeout", cfg.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &remoteExecutor{
		base:  base,
		token: cfg.Token,
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

type remoteSession struct {
	ID      string         `json:"id"`
	State   string         `json:"state"` // queued, starting, running, waiting-input, exited, failed
	Owner   string         `json:"owner"` // "none" once the session has no executing owner
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Pending *remotePending `json:"pending,omitempty"`
	Usage   *remoteUsage   `json:"usage,omitempty"`
}

type remotePending struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

type remoteUsage struct {
	ContextPct int `json:"context_pct"`
}

func (r *remoteExecutor) Start(ctx context.Context, task Task) (StartResult, error) {
	body := map[string]any{
		"task":          task.Text,
		"context":       task.Context,
		"approval_mode": task.ApprovalMode,
		"rules": map[string]bool{
			"deny_network": task.Rules.DenyNetwork,
			"deny_shell":   task.Rules.DenyShell,
		},
	}
	var out remoteSession
	status, err := r.do(ctx, http.MethodPost, "/v1/sessions", body, &out)
	if err != nil {
		return StartResult{}, err
	}
	if status < 200 || status >= 300 {
		return StartResult{}, fmt.Errorf("%w: control-plane returned %d", ErrRejected, status)
	}
	return StartResult{SessionID: out.ID, Queued: out.State == "queued"}, nil
}

func (r *remoteExecutor) Resume(ctx context.Context, sessionID, message string, opts ResumeOptions) error {
	body := map[string]any{"message": message, "approval_mode": opts.ApprovalMode}
	status, err := r.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/messages", body, nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound, status == http.StatusConflict:
		return fmt.Errorf("%w: session %s", ErrResumeInvalid, sessionID)
	case status < 200 || status >= 300:
		return fmt.Errorf("%w: control-plane returned %d", ErrRejected, status)
	}
	return nil
}

func (r *remoteExecutor) Poll(ctx context.Context, sessionID string) (PollResult, error) {
	var s remoteSession
	status, err := r.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, &s)
	if err != nil {
		return PollResult{}, err
	}
	if status == http.StatusNotFound {
		return PollResult{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if status < 200 || status >= 300 {
		return PollResult{}, fmt.Errorf("executor: poll returned %d", status)
	}
	return translate(s), nil
}

// translate maps the control-plane's state model to the canonical enum.
func translate(s remoteSession) PollResult {
	res := PollResult{Status: StatusRunning}
	if s.Usage != nil {
		res.Usage = &Usage{ContextPct: s.Usage.ContextPct}
	}

	switch {
	case s.State == "waiting-input":
		if s.Pending != nil {
			res.PendingInput = &PendingInput{
				RequestID: s.Pending.ID,
				Kind:      s.Pending.Kind,
				Target:    s.Pending.Target,
			}
		}
	case s.State == "failed" || s.Error != "":
		res.Status = StatusError
		res.Output = firstNonEmpty(s.Error, s.Output)
	case s.Owner == "none" || s.State == "exited":
		res.Status = StatusDone
		res.Output = s.Output
	}
	return res
}

func (r *remoteExecutor) Cleanup(ctx context.Context, sessionID string) error {
	status, err := r.do(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNotFound && (status < 200 || status >= 300) {
		return fmt.Errorf("executor: cleanup returned %d", status)
	}
	return nil
}

func (r *remoteExecutor) RespondToInput(ctx context.Context, sessionID, requestID string, approve bool, feedback string) error {
	body := map[string]any{"request_id": requestID, "approve": approve, "feedback": feedback}
	status, err := r.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/respond", body, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("executor: respond returned %d", status)
	}
	return nil
}

func (r *remoteExecutor) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("executor: decoding response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
