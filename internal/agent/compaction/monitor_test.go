package compaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeanSCND/agentbroker/internal/common/config"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

func testConfig() config.CompactionConfig {
	return config.CompactionConfig{
		TurnsWarning:    10,
		TurnsCritical:   20,
		TokensWarning:   1000,
		TokensCritical:  5000,
		ErrorRateWarn:   0.2,
		ErrorRateCrit:   0.5,
		MinTurnsForRate: 2,
	}
}

func TestTrackTurn_FirstTurnStartsAtNormal(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())

	status, err := m.TrackTurn(context.Background(), "agent-1", TrackInput{Tokens: 10, ResponseTime: 100})

	require.NoError(t, err)
	assert.Equal(t, v1.SeverityNormal, status.Severity)
	assert.Equal(t, 1, status.Metric.ConversationTurns)
	assert.Equal(t, int64(10), status.Metric.TotalTokens)
}

func TestTrackTurn_AccumulatesAcrossCalls(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())
	ctx := context.Background()

	_, err := m.TrackTurn(ctx, "agent-1", TrackInput{Tokens: 100})
	require.NoError(t, err)
	status, err := m.TrackTurn(ctx, "agent-1", TrackInput{Tokens: 200})
	require.NoError(t, err)

	assert.Equal(t, 2, status.Metric.ConversationTurns)
	assert.Equal(t, int64(300), status.Metric.TotalTokens)
}

func TestTrackTurn_ErrorIncrementsErrorCount(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())

	status, err := m.TrackTurn(context.Background(), "agent-1", TrackInput{Error: true})

	require.NoError(t, err)
	assert.Equal(t, 1, status.Metric.ErrorCount)
}

func TestTrackTurn_AverageResponseTimeIsRunningMean(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())
	ctx := context.Background()

	_, err := m.TrackTurn(ctx, "agent-1", TrackInput{ResponseTime: 100})
	require.NoError(t, err)
	status, err := m.TrackTurn(ctx, "agent-1", TrackInput{ResponseTime: 200})
	require.NoError(t, err)

	assert.InDelta(t, 150.0, status.Metric.AvgResponseTime, 0.001)
}

func TestTrackTurn_CrossesWarningThreshold(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())
	ctx := context.Background()

	var status *v1.CompactionStatus
	var err error
	for i := 0; i < 10; i++ {
		status, err = m.TrackTurn(ctx, "agent-1", TrackInput{})
		require.NoError(t, err)
	}

	assert.Equal(t, v1.SeverityWarning, status.Severity)
}

func TestTrackTurn_CrossesCriticalThreshold(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())
	ctx := context.Background()

	var status *v1.CompactionStatus
	var err error
	for i := 0; i < 20; i++ {
		status, err = m.TrackTurn(ctx, "agent-1", TrackInput{})
		require.NoError(t, err)
	}

	assert.Equal(t, v1.SeverityCritical, status.Severity)
}

func TestTrackTurn_HighErrorRateAfterMinTurns(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())
	ctx := context.Background()

	var status *v1.CompactionStatus
	var err error
	for i := 0; i < 3; i++ {
		status, err = m.TrackTurn(ctx, "agent-1", TrackInput{Error: true})
		require.NoError(t, err)
	}

	assert.Equal(t, v1.SeverityCritical, status.Severity)
}

func TestStatus_UntrackedAgentIsNormal(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())

	status, err := m.Status(context.Background(), "never-tracked")

	require.NoError(t, err)
	assert.Equal(t, v1.SeverityNormal, status.Severity)
	assert.Nil(t, status.Metric)
}

func TestStatus_ReflectsLastTrackedMetric(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())
	ctx := context.Background()
	_, err := m.TrackTurn(ctx, "agent-1", TrackInput{Tokens: 5000})
	require.NoError(t, err)

	status, err := m.Status(ctx, "agent-1")

	require.NoError(t, err)
	assert.Equal(t, v1.SeverityCritical, status.Severity)
}

func TestReset_ClearsTrackedMetrics(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewMonitor(repo, testConfig())
	ctx := context.Background()
	_, err := m.TrackTurn(ctx, "agent-1", TrackInput{Tokens: 100})
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx, "agent-1"))

	status, err := m.Status(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SeverityNormal, status.Severity)
	assert.Nil(t, status.Metric)
}
