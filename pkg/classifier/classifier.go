package classifier

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

const temperature = 0.3

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         float64       `json:"temperature"`
	MaxCompletionTokens int           `json:"max_completion_tokens"`
}

// Adapter asks a chat-completion endpoint to re-evaluate borderline devices.
type Adapter struct {
	enabled   bool
	url       string
	client    *resty.Client
	model     string
	maxTokens int
	window    time.Duration
	log       *logrus.Entry
}

// New creates an Adapter. window is the telemetry lookback quoted in the
// prompt.
func New(cfg config.AIConfig, window time.Duration) *Adapter {
	log := logrus.WithField("component", "classifier")

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryTimes).
		SetRetryWaitTime(cfg.RetryDelay).
		SetRetryMaxWaitTime(8*cfg.RetryDelay).
		AddRetryCondition(retryable).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetLogger(log)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &Adapter{
		enabled:   cfg.Enabled,
		url:       cfg.APIURL,
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		window:    window,
		log:       log,
	}
}

// Enabled reports whether classification is configured on.
func (a *Adapter) Enabled() bool { return a.enabled }

// Classify returns the semantic classification of one device.
//
// It returns (nil, nil) when the adapter is disabled and (nil, err) wrapping
// ErrUnavailable on transport faults. A reply that cannot be parsed yields a
// degraded suspicious result, never an error.
func (a *Adapter) Classify(ctx context.Context, deviceID string, bundle model.TimeSeriesBundle, rawScore float64) (*model.SemanticClassification, error) {
	if !a.enabled {
		return nil, nil
	}

	req := chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(bundle, a.window, rawScore)},
		},
		Temperature:         temperature,
		MaxCompletionTokens: a.maxTokens,
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(a.url)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "request for %s failed: %v", deviceID, err)
	}
	if !resp.IsSuccess() {
		apiErr := &APIError{Code: resp.StatusCode(), Message: prefix(resp.String(), 200)}
		return nil, errors.Wrapf(ErrUnavailable, "request for %s: %v", deviceID, apiErr)
	}

	result, err := parseReply(resp.Body(), deviceID, rawScore)
	if err != nil {
		fields := logrus.Fields{"gpu_id": deviceID}
		var replyErr *ReplyError
		if errors.As(err, &replyErr) && replyErr.Content != "" {
			fields["content"] = replyErr.Content
		}
		a.log.WithFields(fields).WithError(err).Error("Failed to parse classifier reply")
		return degraded(deviceID, rawScore, err.Error()), nil
	}

	a.log.WithField("gpu_id", deviceID).
		Infof("Classifier verdict: %s (confidence: %.2f)", result.Status, result.Confidence)
	return result, nil
}

// retryable selects transport errors, 429 and 5xx replies.
func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return false
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
