package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/config"
	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

const defaultTimeout = 5 * time.Second

// Payload is the body posted for each low-utilization device.
type Payload struct {
	GPUID      string      `json:"gpu_id"`
	Pod        string      `json:"pod"`
	Namespace  string      `json:"namespace"`
	Hostname   string      `json:"hostname"`
	Score      float64     `json:"score"`
	Status     string      `json:"status"`
	Timestamp  string      `json:"timestamp"`
	AIAnalysis *AIAnalysis `json:"ai_analysis,omitempty"`
}

// AIAnalysis is the classifier summary attached to a Payload.
type AIAnalysis struct {
	Status         string  `json:"status"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	Recommendation string  `json:"recommendation"`
}

// Client calls the external control API. Calls are never retried.
type Client struct {
	url    string
	client *resty.Client
	now    func() time.Time
	log    *logrus.Entry
}

// New creates a control API client.
func New(cfg config.ControlConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := logrus.WithField("component", "webhook")
	return &Client{
		url: cfg.APIURL,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "gpu-utilization-monitor/1.0").
			SetLogger(log),
		now: time.Now,
		log: log,
	}
}

// Notify posts m to the control API. Only a 200 reply counts as success.
func (c *Client) Notify(ctx context.Context, m model.DeviceMetrics) error {
	payload := NewPayload(m, c.now())
	c.log.WithField("gpu_id", m.ID).Debugf("Calling control API %s", c.url)

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(c.url)
	if err != nil {
		return errors.Wrapf(err, "control API call for %s failed", m.ID)
	}
	if resp.StatusCode() != http.StatusOK {
		body := resp.String()
		if len(body) > 200 {
			body = body[:200]
		}
		return errors.Errorf("control API returned %d for %s: %s", resp.StatusCode(), m.ID, body)
	}

	c.log.WithField("gpu_id", m.ID).Info("Control API called")
	return nil
}

// NewPayload builds the webhook body for m.
func NewPayload(m model.DeviceMetrics, now time.Time) Payload {
	p := Payload{
		GPUID:     m.ID,
		Pod:       m.Pod,
		Namespace: m.Namespace,
		Hostname:  m.Hostname,
		Score:     m.Score,
		Status:    string(m.Status),
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if c := m.Classification; c != nil {
		p.AIAnalysis = &AIAnalysis{
			Status:         string(c.Status),
			Confidence:     c.Confidence,
			Reason:         c.Reason,
			Recommendation: c.Recommendation,
		}
	}
	return p
}
