// Package compaction tracks per-agent conversation health and classifies
// it against turn/token/error-rate thresholds.
package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/DeanSCND/agentbroker/internal/common/config"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// TrackInput is the optional per-call delta supplied to TrackTurn.
type TrackInput struct {
	Tokens         int64
	Error          bool
	ResponseTime   float64
	ConfusionCount int
}

// Monitor evaluates compaction health per agent, backed by the ticket
// repository's compaction_metrics table (or its in-memory equivalent).
type Monitor struct {
	repo repository.Repository
	cfg  config.CompactionConfig
}

// NewMonitor builds a Monitor against thresholds in cfg.
func NewMonitor(repo repository.Repository, cfg config.CompactionConfig) *Monitor {
	return &Monitor{repo: repo, cfg: cfg}
}

// TrackTurn reads the latest metric for agentID (if any), applies in's
// deltas, persists the new snapshot, and returns the resulting status.
func (m *Monitor) TrackTurn(ctx context.Context, agentID string, in TrackInput) (*v1.CompactionStatus, error) {
	latest, err := m.repo.LatestCompactionMetric(ctx, agentID)
	if err != nil && err != repository.ErrNotFound {
		return nil, fmt.Errorf("failed to read latest compaction metric: %w", err)
	}

	metric := &v1.CompactionMetric{AgentID: agentID}
	if latest != nil {
		*metric = *latest
	}

	metric.ConversationTurns++
	metric.TotalTokens += in.Tokens
	if in.Error {
		metric.ErrorCount++
	}
	metric.ConfusionCount += in.ConfusionCount
	metric.AvgResponseTime = nextAverage(metric.AvgResponseTime, metric.ConversationTurns, in.ResponseTime)
	metric.MeasuredAt = time.Now().UTC()

	if err := m.repo.SaveCompactionMetric(ctx, metric); err != nil {
		return nil, fmt.Errorf("failed to persist compaction metric: %w", err)
	}

	return m.checkCompaction(metric), nil
}

func nextAverage(prevAvg float64, turns int, sample float64) float64 {
	if turns <= 1 {
		return sample
	}
	return prevAvg + (sample-prevAvg)/float64(turns)
}

// Status returns the latest snapshot's compaction status, or a normal
// status with zero metrics if the agent has never been tracked.
func (m *Monitor) Status(ctx context.Context, agentID string) (*v1.CompactionStatus, error) {
	metric, err := m.repo.LatestCompactionMetric(ctx, agentID)
	if err == repository.ErrNotFound {
		return &v1.CompactionStatus{Severity: v1.SeverityNormal, Reasons: []string{"operating normally"}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read compaction status: %w", err)
	}
	return m.checkCompaction(metric), nil
}

// Reset deletes all metrics tracked for agentID.
func (m *Monitor) Reset(ctx context.Context, agentID string) error {
	return m.repo.ResetCompactionMetrics(ctx, agentID)
}

// checkCompaction classifies metric against the configured turn, token and
// error-rate thresholds; the reported severity is the most severe of the
// signals that fired.
func (m *Monitor) checkCompaction(metric *v1.CompactionMetric) *v1.CompactionStatus {
	severity := v1.SeverityNormal
	var reasons []string

	turns := metric.ConversationTurns
	if turns >= m.cfg.TurnsCritical {
		severity = severity.Max(v1.SeverityCritical)
		reasons = append(reasons, fmt.Sprintf("conversation turns %d >= critical threshold %d", turns, m.cfg.TurnsCritical))
	} else if turns >= m.cfg.TurnsWarning {
		severity = severity.Max(v1.SeverityWarning)
		reasons = append(reasons, fmt.Sprintf("conversation turns %d >= warning threshold %d", turns, m.cfg.TurnsWarning))
	}

	tokens := metric.TotalTokens
	if tokens >= m.cfg.TokensCritical {
		severity = severity.Max(v1.SeverityCritical)
		reasons = append(reasons, fmt.Sprintf("total tokens %d >= critical threshold %d", tokens, m.cfg.TokensCritical))
	} else if tokens >= m.cfg.TokensWarning {
		severity = severity.Max(v1.SeverityWarning)
		reasons = append(reasons, fmt.Sprintf("total tokens %d >= warning threshold %d", tokens, m.cfg.TokensWarning))
	}

	if turns > m.cfg.MinTurnsForRate {
		rate := float64(metric.ErrorCount) / float64(turns)
		if rate >= m.cfg.ErrorRateCrit {
			severity = severity.Max(v1.SeverityCritical)
			reasons = append(reasons, fmt.Sprintf("error rate %.2f >= critical threshold %.2f", rate, m.cfg.ErrorRateCrit))
		} else if rate >= m.cfg.ErrorRateWarn {
			severity = severity.Max(v1.SeverityWarning)
			reasons = append(reasons, fmt.Sprintf("error rate %.2f >= warning threshold %.2f", rate, m.cfg.ErrorRateWarn))
		}
	}

	if len(reasons) == 0 {
		reasons = []string{"operating normally"}
	}

	return &v1.CompactionStatus{
		Severity:       severity,
		Reasons:        reasons,
		Recommendation: recommendationFor(severity),
		Metric:         metric,
	}
}

func recommendationFor(severity v1.Severity) string {
	switch severity {
	case v1.SeverityCritical:
		return "compact or restart the conversation now"
	case v1.SeverityWarning:
		return "plan a compaction soon"
	default:
		return "no action needed"
	}
}
