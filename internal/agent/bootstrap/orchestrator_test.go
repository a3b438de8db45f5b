package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeanSCND/agentbroker/internal/common/brokererr"
	"github.com/DeanSCND/agentbroker/internal/common/config"
	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

type fakeRegistry struct {
	statuses map[string]v1.BootstrapStatus
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{statuses: make(map[string]v1.BootstrapStatus)}
}

func (f *fakeRegistry) UpdateBootstrapStatus(agentID string, status v1.BootstrapStatus) bool {
	f.statuses[agentID] = status
	return true
}

func (f *fakeRegistry) Get(agentID string) *v1.AgentRecord { return nil }

func newTestOrchestrator(t *testing.T, repo repository.Repository, reg RegistryUpdater) *Orchestrator {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	cfg := config.BootstrapConfig{CommandTimeoutSeconds: 5, MaxOutputBytes: 1024}
	return NewOrchestrator(repo, reg, cfg, log)
}

func TestRun_ModeNoneSucceedsWithEmptyContext(t *testing.T) {
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	result, err := o.Run(context.Background(), &v1.BootstrapRequest{AgentID: "agent-1", Mode: v1.BootstrapModeNone}, "/tmp", "worker")

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.FilesLoaded)
	assert.Equal(t, v1.BootstrapReady, reg.statuses["agent-1"])
}

func TestRun_ModeAutoLoadsMatchingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("project context"), 0o644))
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	result, err := o.Run(context.Background(), &v1.BootstrapRequest{AgentID: "agent-1", Mode: v1.BootstrapModeAuto}, dir, "worker")

	require.NoError(t, err)
	assert.Contains(t, result.FilesLoaded, "CLAUDE.md")
	assert.Contains(t, result.Context, "project context")
}

func TestRun_ModeManualAppendsAdditionalContext(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	result, err := o.Run(context.Background(), &v1.BootstrapRequest{
		AgentID:           "agent-1",
		Mode:              v1.BootstrapModeManual,
		AdditionalContext: "focus on the billing module",
	}, dir, "worker")

	require.NoError(t, err)
	assert.Contains(t, result.Context, "focus on the billing module")
}

func TestRun_ModeManualRejectsTraversalPath(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	_, err := o.Run(context.Background(), &v1.BootstrapRequest{
		AgentID: "agent-1",
		Mode:    v1.BootstrapModeManual,
		Files:   []string{"../../etc/passwd"},
	}, dir, "worker")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPathEscape)
	assert.Equal(t, brokererr.KindValidation, brokererr.KindOf(err))
	assert.Equal(t, v1.BootstrapFailed, reg.statuses["agent-1"])
}

func TestRun_ModeAutoRejectsTraversalPath(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	orig := DefaultAutoFiles
	DefaultAutoFiles = []string{"../../etc/passwd"}
	defer func() { DefaultAutoFiles = orig }()

	_, err := o.Run(context.Background(), &v1.BootstrapRequest{AgentID: "agent-1", Mode: v1.BootstrapModeAuto}, dir, "worker")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPathEscape)
	assert.Equal(t, brokererr.KindValidation, brokererr.KindOf(err))
}

func TestRun_ModeCustomRunsCommand(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	result, err := o.Run(context.Background(), &v1.BootstrapRequest{
		AgentID: "agent-1",
		Mode:    v1.BootstrapModeCustom,
		Command: "echo hello",
	}, dir, "worker")

	require.NoError(t, err)
	assert.Contains(t, result.Context, "hello")
	assert.Equal(t, v1.BootstrapReady, reg.statuses["agent-1"])
}

func TestRun_ModeCustomRejectsDenyListedCommand(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	_, err := o.Run(context.Background(), &v1.BootstrapRequest{
		AgentID: "agent-1",
		Mode:    v1.BootstrapModeCustom,
		Command: "rm -rf /",
	}, dir, "worker")

	require.Error(t, err)
	assert.Equal(t, brokererr.KindBootstrapUnsafe, brokererr.KindOf(err))
	assert.Equal(t, v1.BootstrapFailed, reg.statuses["agent-1"])
}

func TestRun_ModeCustomRejectsCommandSubstitution(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	_, err := o.Run(context.Background(), &v1.BootstrapRequest{
		AgentID: "agent-1",
		Mode:    v1.BootstrapModeCustom,
		Command: "echo $(whoami)",
	}, dir, "worker")

	require.Error(t, err)
	assert.Equal(t, brokererr.KindBootstrapUnsafe, brokererr.KindOf(err))
}

func TestRun_ModeCustomRejectsSystemPathRedirect(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	_, err := o.Run(context.Background(), &v1.BootstrapRequest{
		AgentID: "agent-1",
		Mode:    v1.BootstrapModeCustom,
		Command: "echo hi > /etc/passwd",
	}, dir, "worker")

	require.Error(t, err)
	assert.Equal(t, brokererr.KindBootstrapUnsafe, brokererr.KindOf(err))
}

func TestRun_UnknownModeReturnsValidationError(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)

	_, err := o.Run(context.Background(), &v1.BootstrapRequest{AgentID: "agent-1", Mode: "bogus"}, dir, "worker")

	require.Error(t, err)
	assert.Equal(t, brokererr.KindValidation, brokererr.KindOf(err))
}

func TestRun_RecordsBootstrapHistoryOnSuccessAndFailure(t *testing.T) {
	dir := t.TempDir()
	repo := repository.NewMemoryRepository()
	reg := newFakeRegistry()
	o := newTestOrchestrator(t, repo, reg)
	ctx := context.Background()

	_, err := o.Run(ctx, &v1.BootstrapRequest{AgentID: "agent-1", Mode: v1.BootstrapModeNone}, dir, "worker")
	require.NoError(t, err)

	_, err = o.Run(ctx, &v1.BootstrapRequest{AgentID: "agent-1", Mode: v1.BootstrapModeCustom, Command: "sudo reboot"}, dir, "worker")
	require.Error(t, err)

	// Each run records its entry at start and rewrites the same entry at
	// completion, so two runs leave two audit entries behind.
	history, err := repo.ListBootstrapHistory(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	succeeded := 0
	for _, h := range history {
		if h.Success {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}
