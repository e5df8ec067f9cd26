package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/config"
	"github.com/kunal/gpu-utilization-monitor/pkg/healthcheck"
	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

// Results reads the latest published Snapshot.
type Results interface {
	Devices() []model.DeviceMetrics
}

// Trigger starts a batch in the background. It reports false when no batch
// could be started.
type Trigger interface {
	Trigger(useClassifier *bool) bool
}

// Health builds the /health report.
type Health interface {
	Check(ctx context.Context) healthcheck.Report
}

// Server serves the HTTP API over gin.
type Server struct {
	cfg         *config.Config
	version     string
	results     Results
	trigger     Trigger
	health      Health
	metrics     http.Handler
	broadcaster *Broadcaster
	now         func() time.Time
	log         *logrus.Entry
}

func NewServer(cfg *config.Config, version string, results Results, trigger Trigger, health Health, metrics http.Handler, broadcaster *Broadcaster) *Server {
	return &Server{
		cfg:         cfg,
		version:     version,
		results:     results,
		trigger:     trigger,
		health:      health,
		metrics:     metrics,
		broadcaster: broadcaster,
		now:         time.Now,
		log:         logrus.WithField("component", "api"),
	}
}

// Engine builds the gin router with every route registered.
func (s *Server) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), s.accessLog())

	e.GET("/", s.root)
	e.GET("/health", s.healthz)
	e.GET("/analyze", s.analyze)
	e.POST("/analyze", s.analyze)

	results := e.Group("/results")
	{
		results.GET("", s.latest)
		results.GET("/low", s.low)
		results.GET("/stats", s.stats)
	}

	e.GET("/metrics", gin.WrapH(s.metrics))
	e.GET("/config", s.config)
	e.GET("/ws", gin.WrapF(s.broadcaster.HandleWS))
	return e
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request served")
	}
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "GPU Utilization Monitor",
		"version": s.version,
		"features": gin.H{
			"ai_analysis":        s.cfg.AI.Enabled,
			"prometheus_metrics": true,
			"control_api":        s.cfg.Control.Enabled,
		},
		"config": gin.H{
			"prometheus_url":  s.cfg.Prometheus.URL,
			"threshold":       s.cfg.Thresholds.LowUtilization,
			"interval":        s.cfg.Scheduler.IntervalSeconds,
			"time_window_min": s.cfg.Prometheus.TimeWindowMin,
			"max_workers":     s.cfg.Scheduler.MaxWorkers,
		},
		"endpoints": gin.H{
			"analyze":     "/analyze - trigger an analysis",
			"results":     "/results - latest results",
			"results_low": "/results/low - low utilization GPUs",
			"stats":       "/results/stats - fleet statistics",
			"metrics":     "/metrics - Prometheus metrics",
			"health":      "/health - health check",
			"config":      "/config - current configuration",
			"ws":          "/ws - live result feed",
		},
	})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, s.health.Check(c.Request.Context()))
}

func (s *Server) analyze(c *gin.Context) {
	var useClassifier *bool
	if raw, ok := c.GetQuery("use_ai"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "use_ai must be a boolean"})
			return
		}
		useClassifier = &v
	}

	if !s.trigger.Trigger(useClassifier) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is not running"})
		return
	}
	s.log.Info("🔁 Analysis triggered via API")

	use := s.cfg.AI.Enabled
	if useClassifier != nil {
		use = *useClassifier
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "triggered",
		"message": "GPU analysis started in background",
		"use_ai":  use,
	})
}

func (s *Server) latest(c *gin.Context) {
	c.JSON(http.StatusOK, s.results.Devices())
}

func (s *Server) low(c *gin.Context) {
	threshold := s.cfg.Thresholds.LowUtilization
	low := []model.DeviceMetrics{}
	for _, d := range s.results.Devices() {
		if d.Score < threshold {
			low = append(low, d)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(low),
		"threshold": threshold,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"gpus":      low,
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, model.Summarize(s.results.Devices(), s.cfg.Thresholds.LowUtilization, s.cfg.Thresholds.Idle))
}

func (s *Server) config(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Redacted())
}
