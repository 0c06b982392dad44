package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-msp/internal/integration"
	"github.com/odyssey-erp/odyssey-msp/internal/observability"
	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
	"github.com/odyssey-erp/odyssey-msp/internal/shared"
)

// EngineParams groups the infrastructure the proposal engine runs on.
type EngineParams struct {
	Config  *Config
	Pool    *pgxpool.Pool
	Redis   redis.UniversalClient
	Mail    integration.EmailEnqueuer
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewProposalEngine wires the engine used by both the API server and the
// worker: Postgres storage, Redis locks, and mail plus audit side effects.
func NewProposalEngine(p EngineParams) *proposals.Engine {
	var locker proposals.Locker
	if p.Redis != nil {
		locker = shared.NewRedisLocker(p.Redis, p.Config.LockTTL)
	}
	handler := integration.Fanout{
		integration.NewProposalMailer(p.Mail, p.Logger),
		integration.NewProposalAudit(shared.NewAuditLogger(p.Pool)),
	}
	return proposals.NewEngine(proposals.Deps{
		Repo:    proposals.NewRepository(p.Pool),
		Locker:  locker,
		Handler: handler,
		Logger:  p.Logger,
		Metrics: proposals.NewMetrics(p.Metrics.Registerer()),
		Config:  p.Config.EngineConfig(),
	})
}
