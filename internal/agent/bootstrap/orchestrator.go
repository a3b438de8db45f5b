package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeanSCND/agentbroker/internal/common/brokererr"
	"github.com/DeanSCND/agentbroker/internal/common/config"
	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// denyPatterns match fragments a custom bootstrap command must never
// contain. Matching is substring-based except where noted.
var denyPatterns = []string{
	"rm -rf", "rm -fr", "sudo", "mkfs", "dd if=", "> /dev/", "wget", "curl http", "`",
}

// denySubstitution rejects command-substitution sequences ($(...) or
// backtick-quoted, already covered above for backticks).
var denySubstitution = regexp.MustCompile(`\$\(`)

// denyRedirect rejects redirects into system paths.
var denyRedirect = regexp.MustCompile(`>\s*/(dev|etc|sys|proc)(/|$)`)

// RegistryUpdater is the subset of the agent registry the orchestrator
// drives bootstrap-status transitions on.
type RegistryUpdater interface {
	UpdateBootstrapStatus(agentID string, status v1.BootstrapStatus) bool
	Get(agentID string) *v1.AgentRecord
}

// Orchestrator runs bootstrap for an agent start command and records the
// outcome in the ticket repository's append-only history.
type Orchestrator struct {
	loader   *FileLoader
	repo     repository.Repository
	registry RegistryUpdater
	cfg      config.BootstrapConfig
	logger   *logger.Logger
}

// NewOrchestrator builds a bootstrap Orchestrator.
func NewOrchestrator(repo repository.Repository, reg RegistryUpdater, cfg config.BootstrapConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		loader:   NewFileLoader(),
		repo:     repo,
		registry: reg,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "bootstrap-orchestrator")),
	}
}

// Run executes req.Mode and records the result in bootstrap history. On
// failure it marks bootstrapStatus = failed on the agent record and returns
// an error classified via brokererr.
func (o *Orchestrator) Run(ctx context.Context, req *v1.BootstrapRequest, workingDir, role string) (*v1.BootstrapResult, error) {
	started := time.Now().UTC()
	entry := &v1.BootstrapHistoryEntry{
		ID:        uuid.New().String(),
		AgentID:   req.AgentID,
		Mode:      req.Mode,
		StartedAt: started,
	}
	_ = o.repo.AppendBootstrapHistory(ctx, entry)
	o.registry.UpdateBootstrapStatus(req.AgentID, v1.BootstrapInProgress)

	result, err := o.run(ctx, req, workingDir, role)
	completed := time.Now().UTC()
	entry.CompletedAt = &completed
	entry.DurationMs = completed.Sub(started).Milliseconds()

	if err != nil {
		entry.Success = false
		entry.ErrorMessage = err.Error()
		_ = o.repo.AppendBootstrapHistory(ctx, entry)
		o.registry.UpdateBootstrapStatus(req.AgentID, v1.BootstrapFailed)
		o.logger.Warn("bootstrap failed", zap.String("agent_id", req.AgentID), zap.Error(err))
		return nil, err
	}

	entry.Success = true
	entry.FilesLoaded = result.FilesLoaded
	entry.ContextSize = result.ContextSize
	_ = o.repo.AppendBootstrapHistory(ctx, entry)
	o.registry.UpdateBootstrapStatus(req.AgentID, v1.BootstrapReady)

	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req *v1.BootstrapRequest, workingDir, role string) (*v1.BootstrapResult, error) {
	start := time.Now()
	switch req.Mode {
	case v1.BootstrapModeNone, "":
		return finish(v1.BootstrapModeNone, nil, "", start), nil

	case v1.BootstrapModeAuto:
		files := o.cfg.AutoFiles
		if len(files) == 0 {
			files = DefaultAutoFiles
		}
		context, loaded, err := BuildContext(o.loader, workingDir, files)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.KindValidation, "auto bootstrap file path rejected", err)
		}
		return finish(v1.BootstrapModeAuto, loaded, context, start), nil

	case v1.BootstrapModeManual:
		context, loaded, err := BuildContext(o.loader, workingDir, req.Files)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.KindValidation, "manual bootstrap file path rejected", err)
		}
		if req.AdditionalContext != "" {
			if context != "" {
				context += ContextSeparator
			}
			context += "## additional-context\n\n" + req.AdditionalContext
		}
		return finish(v1.BootstrapModeManual, loaded, context, start), nil

	case v1.BootstrapModeCustom:
		return o.runCustom(ctx, req, workingDir, role, start)

	default:
		return nil, brokererr.New(brokererr.KindValidation, fmt.Sprintf("unknown bootstrap mode %q", req.Mode))
	}
}

func finish(mode v1.BootstrapMode, loaded []string, context string, start time.Time) *v1.BootstrapResult {
	if loaded == nil {
		loaded = []string{}
	}
	return &v1.BootstrapResult{
		Mode:        mode,
		FilesLoaded: loaded,
		ContextSize: len(context),
		Context:     context,
		DurationMs:  time.Since(start).Milliseconds(),
		Success:     true,
	}
}

func (o *Orchestrator) runCustom(ctx context.Context, req *v1.BootstrapRequest, workingDir, role string, start time.Time) (*v1.BootstrapResult, error) {
	if err := screenCommand(req.Command); err != nil {
		return nil, err
	}

	timeout := time.Duration(o.cfg.CommandTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", req.Command)
	cmd.Dir = workingDir
	cmd.Env = buildBootstrapEnv(req.AgentID, role, workingDir, req.BootstrapEnv)

	var stdout, stderr bytes.Buffer
	maxBytes := o.cfg.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	cmd.Stdout = &limitedWriter{buf: &stdout, max: maxBytes}
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, brokererr.Wrap(brokererr.KindTimeout, "custom bootstrap command timed out", err)
		}
		return nil, brokererr.Wrap(brokererr.KindBootstrapFail, strings.TrimSpace(stderr.String()), err)
	}

	context := stdout.String()
	return &v1.BootstrapResult{
		Mode:        v1.BootstrapModeCustom,
		FilesLoaded: []string{},
		ContextSize: len(context),
		Context:     context,
		DurationMs:  time.Since(start).Milliseconds(),
		Success:     true,
	}, nil
}

func buildBootstrapEnv(agentID, role, workingDir string, extra map[string]string) []string {
	env := []string{
		"AGENT_ID=" + agentID,
		"AGENT_ROLE=" + role,
		"WORKING_DIR=" + workingDir,
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// screenCommand rejects commands matching the bootstrap deny-list, per the
// custom-mode safety screen.
func screenCommand(command string) error {
	lower := strings.ToLower(command)
	for _, pattern := range denyPatterns {
		if strings.Contains(lower, pattern) {
			return brokererr.New(brokererr.KindBootstrapUnsafe, fmt.Sprintf("command matches deny-list pattern %q", pattern))
		}
	}
	if denySubstitution.MatchString(command) {
		return brokererr.New(brokererr.KindBootstrapUnsafe, "command contains a substitution sequence")
	}
	if denyRedirect.MatchString(command) {
		return brokererr.New(brokererr.KindBootstrapUnsafe, "command redirects into a system path")
	}
	return nil
}

// limitedWriter caps how much of a subprocess's stdout is retained,
// discarding the remainder once max bytes have been buffered.
type limitedWriter struct {
	buf *bytes.Buffer
	max int64
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - int64(w.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}
