package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowmesh/internal/tlsutil"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-FlowMesh-Signature"

// WebhookConfig configures one webhook subscriber.
type WebhookConfig struct {
	// URL is the delivery endpoint.
	URL string `yaml:"url" json:"url"`
	// Secret signs request bodies; empty disables signing.
	Secret string `yaml:"secret" json:"secret"`
	// MaxRetries bounds redelivery attempts beyond the first.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// InitialBackoff is the first retry delay; doubles per attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// Timeout is the per-delivery HTTP timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// RatePerSecond caps outbound deliveries; 0 disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// Buffer is the internal delivery queue size.
	Buffer int `yaml:"buffer" json:"buffer"`
}

// DefaultWebhookConfig returns sensible webhook defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		Timeout:        10 * time.Second,
		RatePerSecond:  50,
		Buffer:         256,
	}
}

// WebhookDispatcher subscribes to the bus and delivers every event to
// an HTTP endpoint with at-least-once semantics. Delivery runs off the
// orchestrator's critical path; the queue drops when saturated.
type WebhookDispatcher struct {
	config  WebhookConfig
	bus     *Bus
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	cancelSub func()
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher delivering to config.URL.
func NewWebhookDispatcher(config WebhookConfig, bus *Bus, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultWebhookConfig().Timeout
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultWebhookConfig().InitialBackoff
	}
	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), 1)
	}
	return &WebhookDispatcher{
		config:  config,
		bus:     bus,
		client:  tlsutil.SecureHTTPClient(config.Timeout),
		limiter: limiter,
		logger:  logger.With(zap.String("component", "webhook_dispatcher"), zap.String("url", config.URL)),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the bus and begins delivering events.
func (d *WebhookDispatcher) Start(ctx context.Context) error {
	if d.config.URL == "" {
		return fmt.Errorf("webhook url is empty")
	}
	ch, cancel := d.bus.Subscribe("", d.config.Buffer)
	d.cancelSub = cancel

	d.wg.Add(1)
	go d.run(ch)

	d.logger.Info("webhook dispatcher started")
	return nil
}

// Stop unsubscribes and waits for in-flight deliveries.
func (d *WebhookDispatcher) Stop() {
	close(d.done)
	if d.cancelSub != nil {
		d.cancelSub()
	}
	d.wg.Wait()
	d.logger.Info("webhook dispatcher stopped")
}

func (d *WebhookDispatcher) run(ch <-chan Event) {
	defer d.wg.Done()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.deliver(ev)
		case <-d.done:
			return
		}
	}
}

// deliver posts one event, retrying with exponential backoff until the
// retry budget is exhausted.
func (d *WebhookDispatcher) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	backoff := d.config.InitialBackoff
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-d.done:
				return
			}
			backoff *= 2
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(context.Background()); err != nil {
				return
			}
		}

		if d.post(body) {
			return
		}
	}

	d.logger.Warn("webhook delivery abandoned",
		zap.String("type", string(ev.Type)),
		zap.String("execution_id", ev.ExecutionID),
		zap.Int("attempts", d.config.MaxRetries+1),
	)
}

// post performs one delivery attempt and reports success.
func (d *WebhookDispatcher) post(body []byte) bool {
	req, err := http.NewRequest(http.MethodPost, d.config.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("failed to build webhook request", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if d.config.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.config.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("webhook delivery failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Sign computes the signature header value for a payload:
// "sha256=" followed by the hex HMAC-SHA256 of the body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
