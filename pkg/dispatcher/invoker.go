package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nimburion/conveyor/pkg/eventbus"
	"github.com/nimburion/conveyor/pkg/resilience"
)

// Invocation is the routing metadata handed to a worker. It never carries
// job payloads.
type Invocation struct {
	DispatchID string    `json:"dispatch_id"`
	Stage      string    `json:"stage"`
	Queue      string    `json:"queue"`
	Timestamp  time.Time `json:"timestamp"`
}

// Invoker triggers one worker run at endpoint.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, inv Invocation) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, endpoint string, inv Invocation) error

func (f InvokerFunc) Invoke(ctx context.Context, endpoint string, inv Invocation) error {
	return f(ctx, endpoint, inv)
}

// HTTPInvokerConfig configures HTTPInvoker.
type HTTPInvokerConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// BreakerFailures consecutive failures open an endpoint's breaker for
	// BreakerCoolOff.
	BreakerFailures int               `mapstructure:"breaker_failures"`
	BreakerCoolOff  time.Duration     `mapstructure:"breaker_cool_off"`
	Headers         map[string]string `mapstructure:"headers"`
	HTTPClient      *http.Client      `mapstructure:"-"`
}

// HTTPInvoker POSTs the invocation as JSON. Workers are expected to accept
// with 2xx and process asynchronously.
type HTTPInvoker struct {
	cfg      HTTPInvokerConfig
	client   *http.Client
	breakers *resilience.BreakerSet
}

// NewHTTPInvoker creates an invoker with one circuit breaker per endpoint.
func NewHTTPInvoker(cfg HTTPInvokerConfig) *HTTPInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCoolOff <= 0 {
		cfg.BreakerCoolOff = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPInvoker{
		cfg:      cfg,
		client:   client,
		breakers: resilience.NewBreakerSet(cfg.BreakerFailures, cfg.BreakerCoolOff),
	}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, endpoint string, inv Invocation) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return i.breakers.Get(endpoint).Execute(func() error {
		return resilience.WithTimeout(ctx, i.cfg.Timeout, func(ctx context.Context) error {
			return i.post(ctx, endpoint, inv, raw)
		})
	})
}

func (i *HTTPInvoker) post(ctx context.Context, endpoint string, inv Invocation, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dispatch-ID", inv.DispatchID)
	for k, v := range i.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("invoke %s: worker returned status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// EventBusInvoker publishes the invocation on a broker. The endpoint is
// scheme://topic, for example kafka://conveyor.workers.draft.
type EventBusInvoker struct {
	producer eventbus.Producer
}

// NewEventBusInvoker creates an invoker publishing through producer.
func NewEventBusInvoker(producer eventbus.Producer) *EventBusInvoker {
	return &EventBusInvoker{producer: producer}
}

func (i *EventBusInvoker) Invoke(ctx context.Context, endpoint string, inv Invocation) error {
	topic, err := topicOf(endpoint)
	if err != nil {
		return err
	}
	msg, err := eventbus.NewJSONMessage(inv.DispatchID, inv.Stage, inv, map[string]string{
		"stage": inv.Stage,
		"queue": inv.Queue,
	})
	if err != nil {
		return err
	}
	return i.producer.Publish(ctx, topic, msg)
}

func topicOf(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", dispatcherError(ErrValidation, fmt.Sprintf("invalid endpoint %q: %v", endpoint, err))
	}
	topic := strings.Trim(u.Host+u.Path, "/")
	if topic == "" {
		return "", dispatcherError(ErrValidation, fmt.Sprintf("endpoint %q has no topic", endpoint))
	}
	return topic, nil
}

// RoutingInvoker chooses an invoker by endpoint scheme.
type RoutingInvoker struct {
	routes map[string]Invoker
}

// NewRoutingInvoker creates an empty router.
func NewRoutingInvoker() *RoutingInvoker {
	return &RoutingInvoker{routes: map[string]Invoker{}}
}

// Handle routes endpoints with scheme to inv.
func (r *RoutingInvoker) Handle(scheme string, inv Invoker) *RoutingInvoker {
	r.routes[strings.ToLower(scheme)] = inv
	return r
}

func (r *RoutingInvoker) Invoke(ctx context.Context, endpoint string, inv Invocation) error {
	scheme, _, ok := strings.Cut(endpoint, "://")
	if !ok {
		return dispatcherError(ErrValidation, fmt.Sprintf("endpoint %q has no scheme", endpoint))
	}
	target, ok := r.routes[strings.ToLower(scheme)]
	if !ok {
		return dispatcherError(ErrValidation, fmt.Sprintf("no invoker for scheme %q", scheme))
	}
	return target.Invoke(ctx, endpoint, inv)
}
