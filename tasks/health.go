package tasks

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LedgerService is the name the ledger reports its health under.
const LedgerService = "sbt.v1.Ledger"

type Pinger interface {
	Ping() error
}

// HealthTask periodically checks that the ledger's database is reachable and
// publishes the result on a gRPC health server.
type HealthTask struct {
	ledger   Pinger
	health   *health.Server
	interval time.Duration
	clock    clockwork.Clock
	done     chan bool
	logger   *zap.Logger
}

func NewHealthTask(
	ledger Pinger,
	hs *health.Server,
	interval time.Duration,
	clock clockwork.Clock,
	logger *zap.Logger,
) *HealthTask {
	return &HealthTask{
		ledger,
		hs,
		interval,
		clock,
		make(chan bool),
		logger,
	}
}

func (t *HealthTask) check() {
	st := healthpb.HealthCheckResponse_SERVING
	if err := t.ledger.Ping(); err != nil {
		t.logger.Warn("Ledger health check failed", zap.Error(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	t.health.SetServingStatus(LedgerService, st)
}

func (t *HealthTask) Run() {
	t.check()
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			t.logger.Info("Health task stopped")
			return
		case <-ticker.Chan():
			t.check()
		}
	}
}

func (t *HealthTask) Stop() error {
	t.done <- true
	return nil
}
