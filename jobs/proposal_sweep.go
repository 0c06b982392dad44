package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-msp/internal/jobs"
	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
)

// TaskProposalTimeoutSweep applies approval timeouts and reports lapsed
// signature requests.
const TaskProposalTimeoutSweep = "proposals:timeout_sweep"

// ProposalSweepPayload optionally pins the sweep reference time.
type ProposalSweepPayload struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

// NewProposalSweepTask builds the sweep task.
func NewProposalSweepTask(asOf *time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ProposalSweepPayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProposalTimeoutSweep, body, asynq.Queue(QueueCritical), asynq.Unique(time.Minute)), nil
}

// TimeoutSweeper is implemented by the proposal engine.
type TimeoutSweeper interface {
	CheckTimeouts(ctx context.Context, now time.Time) (proposals.SweepReport, error)
}

// ProposalSweepJob runs the timeout sweep on schedule.
type ProposalSweepJob struct {
	Sweeper TimeoutSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewProposalSweepJob initialises the sweep handler.
func NewProposalSweepJob(sweeper TimeoutSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProposalSweepJob {
	return &ProposalSweepJob{
		Sweeper: sweeper,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *ProposalSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("proposal sweep: handler not configured")
	}
	var payload ProposalSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	now := j.clock()
	if payload.AsOf != nil {
		now = payload.AsOf.UTC()
	}

	tracker := j.Metrics.Track(TaskProposalTimeoutSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Time("as_of", now))
	report, err := j.Sweeper.CheckTimeouts(ctx, now)
	j.Metrics.AddSweepItems("rejected", report.RejectedProposals)
	j.Metrics.AddSweepItems("notified", report.Notified)
	j.Metrics.AddSweepItems("expired_signature", report.ExpiredSignatures)
	j.Metrics.AddSweepItems("failed", report.Failures)
	if err != nil {
		logger.Error("proposal sweep failed", slog.Any("error", err))
		return err
	}
	logger.Info("proposal sweep completed",
		slog.Int("overdue_approvals", report.OverdueApprovals),
		slog.Int("rejected", report.RejectedProposals),
		slog.Int("notified", report.Notified),
		slog.Int("expired_signatures", report.ExpiredSignatures),
	)
	return nil
}

func (j *ProposalSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
