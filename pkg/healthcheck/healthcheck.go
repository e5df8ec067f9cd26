package healthcheck

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to "".
const ServiceName = "gpumonitor.Monitor"

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusWarning  Status = "warning"
)

// Report is the /health body.
type Report struct {
	Status              Status     `json:"status"`
	PrometheusConnected bool       `json:"prometheus_connected"`
	LastAnalysis        *time.Time `json:"last_analysis"`
	AnalysisTimeout     bool       `json:"analysis_timeout"`
	AIEnabled           bool       `json:"ai_enabled"`
	Interval            int        `json:"interval"`
}

// Pinger checks connectivity to the telemetry store.
type Pinger interface {
	HealthCheck(ctx context.Context) bool
}

// LastRun reports when the latest Snapshot completed.
type LastRun interface {
	LastCompleted() (time.Time, bool)
}

// Checker combines store connectivity and batch freshness into a Report and
// mirrors it onto a gRPC health server.
type Checker struct {
	pinger    Pinger
	lastRun   LastRun
	interval  time.Duration
	aiEnabled bool
	server    *health.Server
	now       func() time.Time
	log       *logrus.Entry
}

func NewChecker(pinger Pinger, lastRun LastRun, interval time.Duration, aiEnabled bool) *Checker {
	return &Checker{
		pinger:    pinger,
		lastRun:   lastRun,
		interval:  interval,
		aiEnabled: aiEnabled,
		server:    health.NewServer(),
		now:       time.Now,
		log:       logrus.WithField("component", "healthcheck"),
	}
}

// Evaluate derives the overall status. A stale batch outranks a lost store
// connection. Before the first batch nothing is stale.
func Evaluate(connected bool, last time.Time, hasLast bool, now time.Time, interval time.Duration) (Status, bool) {
	stale := hasLast && now.Sub(last) > 3*interval
	switch {
	case stale:
		return StatusWarning, true
	case !connected:
		return StatusDegraded, false
	default:
		return StatusHealthy, false
	}
}

// Check pings the store and builds a Report.
func (c *Checker) Check(ctx context.Context) Report {
	connected := c.pinger.HealthCheck(ctx)
	last, ok := c.lastRun.LastCompleted()
	status, stale := Evaluate(connected, last, ok, c.now(), c.interval)

	r := Report{
		Status:              status,
		PrometheusConnected: connected,
		AnalysisTimeout:     stale,
		AIEnabled:           c.aiEnabled,
		Interval:            int(c.interval.Seconds()),
	}
	if ok {
		r.LastAnalysis = &last
	}
	return r
}

// Register adds the gRPC health service to s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.server)
}

// Update sets the gRPC serving status from r. Only a stale batch stops
// serving; a lost store connection still serves the last Snapshot.
func (c *Checker) Update(r Report) {
	status := healthpb.HealthCheckResponse_SERVING
	if r.Status == StatusWarning {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.server.SetServingStatus("", status)
	c.server.SetServingStatus(ServiceName, status)
}

// Run checks immediately and then every period until ctx is done, when all
// services are marked NOT_SERVING.
func (c *Checker) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		r := c.Check(ctx)
		c.Update(r)
		if r.Status != StatusHealthy {
			c.log.Warnf("Health status %s (prometheus connected: %v, analysis timeout: %v)",
				r.Status, r.PrometheusConnected, r.AnalysisTimeout)
		}

		select {
		case <-ctx.Done():
			c.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
