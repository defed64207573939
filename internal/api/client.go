// Package api é o cliente HTTP do backend HomeScout: envelope {success,data,error},
// bearer automático, um único refresh+retry em 401, circuit breaker, métricas e spans.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "homescout/internal/api"
	maxResponseBody = 1 << 20
	breakerName     = "homescout-api"
)

// TokenSource fornece o bearer atual e o refresh coalescido.
// ValidAccessToken deve retornar "" quando o token está ausente ou expirado.
type TokenSource interface {
	ValidAccessToken() string
	RefreshTokens(ctx context.Context) (TokenPair, error)
}

// BreakerConfig configura o circuit breaker do cliente
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig retorna valores padrão para o breaker
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Config do cliente
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

// Client é seguro para uso concorrente
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*rawResponse]

	mu        sync.RWMutex
	tokens    TokenSource
	sessionID func() string
}

// New cria o cliente. BaseURL já inclui o prefixo /api.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = DefaultBreakerConfig()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	bc := cfg.Breaker
	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[API] Circuit breaker %s: %s -> %s", name, from, to)
			circuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	}
	circuitBreakerState.WithLabelValues(breakerName).Set(0)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*rawResponse](settings),
	}
}

// SetTokenSource liga o cliente ao token store (feito pela composição, após ambos existirem)
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

// SetSessionIDFunc define de onde vem o header X-Session-ID
func (c *Client) SetSessionIDFunc(fn func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = fn
}

// BreakerState retorna o estado atual do circuit breaker
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) tokenSource() TokenSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

func (c *Client) currentSessionID() string {
	c.mu.RLock()
	fn := c.sessionID
	c.mu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn()
}

// request descreve uma chamada. route é o template usado em métricas/spans.
// public desliga o bearer e o refresh+retry em 401 (endpoints de credenciais);
// noRefresh mantém o bearer mas desliga só o retry.
type request struct {
	method    string
	route     string
	path      string
	body      any
	public    bool
	noRefresh bool
	failMsg   string
}

type rawResponse struct {
	status int
	body   []byte
}

// serverFailure conta como falha no breaker mas ainda carrega o corpo para o envelope
type serverFailure struct {
	resp *rawResponse
}

func (e *serverFailure) Error() string {
	return fmt.Sprintf("server error %d", e.resp.status)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	} `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, r request, out any) (err error) {
	if r.path == "" {
		r.path = r.route
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "api "+r.method+" "+r.route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", r.method),
			attribute.String("http.route", r.route),
		),
	)
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(r.route).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(r.route, outcomeOf(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resp, err := c.execute(ctx, r)
	if err != nil {
		return err
	}

	if resp.status == http.StatusUnauthorized && !r.public && !r.noRefresh {
		if tokens := c.tokenSource(); tokens != nil {
			if _, refreshErr := tokens.RefreshTokens(ctx); refreshErr != nil {
				log.Printf("[API] %s %s: refresh after 401 failed: %v", r.method, r.route, refreshErr)
				return fmt.Errorf("%w: %w", ErrSessionExpired, decodeEnvelope(resp, r.failMsg, nil))
			}
			retriesAfterRefresh.Inc()
			if resp, err = c.execute(ctx, r); err != nil {
				return err
			}
		}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))
	return decodeEnvelope(resp, r.failMsg, out)
}

func (c *Client) execute(ctx context.Context, r request) (*rawResponse, error) {
	resp, err := c.breaker.Execute(func() (*rawResponse, error) {
		resp, err := c.roundTrip(ctx, r)
		if err != nil {
			return nil, err
		}
		if resp.status >= 500 {
			return nil, &serverFailure{resp: resp}
		}
		return resp, nil
	})

	var sf *serverFailure
	if errors.As(err, &sf) {
		return sf.resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.method, r.route, err)
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, r request) (*rawResponse, error) {
	var body io.Reader = http.NoBody
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !r.public {
		if tokens := c.tokenSource(); tokens != nil {
			if token := tokens.ValidAccessToken(); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
	}
	if sid := c.currentSessionID(); sid != "" {
		req.Header.Set("X-Session-ID", sid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &rawResponse{status: resp.StatusCode, body: data}, nil
}

// decodeEnvelope converte a resposta em erro de aplicação ou decodifica data em out
func decodeEnvelope(resp *rawResponse, failMsg string, out any) error {
	var env envelope
	parseErr := json.Unmarshal(resp.body, &env)
	ok := resp.status >= 200 && resp.status < 300

	if parseErr != nil && ok {
		return fmt.Errorf("decode response: %w", parseErr)
	}

	if !ok || !env.Success {
		apiErr := &Error{Status: resp.status, Message: failMsg}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Field = env.Error.Field
			if env.Error.Message != "" {
				apiErr.Message = env.Error.Message
			}
		} else if summary := summarizeErrorBody(resp.body); summary != genericErrorSummary || apiErr.Message == "" {
			apiErr.Message = summary
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("empty response data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func outcomeOf(err error) string {
	var apiErr *Error
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &apiErr):
		if apiErr.Status >= 500 {
			return "server_error"
		}
		return "client_error"
	default:
		return "transport_error"
	}
}
