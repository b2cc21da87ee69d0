// Copyright 2025 James Ross
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loopai/engine/internal/breaker"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/obs"
	"go.uber.org/zap"
)

// Adapter owns one persistent WebSocket connection to a single language's
// sandbox harness and multiplexes concurrent Request/Response pairs over
// it by correlation ID.
type Adapter struct {
	language domain.ProgramLanguage
	endpoint string
	dialer   *websocket.Dialer
	breaker  *breaker.CircuitBreaker
	logger   *zap.Logger

	callTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Response
	writeMu sync.Mutex
}

// Config bundles the dial parameters for one Adapter.
type Config struct {
	Language         domain.ProgramLanguage
	Endpoint         string
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	Breaker          *breaker.CircuitBreaker
}

// NewAdapter constructs an Adapter for one language endpoint. The
// connection is established lazily on first Call.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Adapter{
		language: cfg.Language,
		endpoint: cfg.Endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		breaker:     cfg.Breaker,
		logger:      logger,
		callTimeout: callTimeout,
		pending:     make(map[string]chan Response),
	}
}

func (a *Adapter) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return a.conn, nil
	}
	conn, _, err := a.dialer.DialContext(ctx, a.endpoint, nil)
	if err != nil {
		return nil, &Failure{Kind: FailureUnsupported, Message: fmt.Sprintf("dial %s: %v", a.endpoint, err)}
	}
	a.conn = conn
	go a.readLoop(conn)
	return conn, nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			if a.conn == conn {
				a.conn = nil
			}
			a.mu.Unlock()
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			a.logger.Warn("sandbox: malformed frame", obs.String("language", string(a.language)), obs.Err(err))
			continue
		}
		a.mu.Lock()
		ch, ok := a.pending[resp.CorrelationID]
		if ok {
			delete(a.pending, resp.CorrelationID)
		}
		a.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Call sends req and blocks for the matching Response, honoring the
// adapter's call timeout and circuit breaker.
func (a *Adapter) Call(ctx context.Context, req Request) (Response, error) {
	if a.breaker != nil && !a.breaker.Allow() {
		return Response{}, &Failure{Kind: FailureUnsupported, Message: "circuit breaker open for " + string(a.language)}
	}

	conn, err := a.ensureConn(ctx)
	if err != nil {
		a.recordOutcome(false)
		return Response{}, err
	}

	ch := make(chan Response, 1)
	a.mu.Lock()
	a.pending[req.CorrelationID] = ch
	a.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		a.mu.Lock()
		delete(a.pending, req.CorrelationID)
		a.mu.Unlock()
		return Response{}, &Failure{Kind: FailureOutputParseError, Message: err.Error()}
	}

	a.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	a.writeMu.Unlock()
	if err != nil {
		a.mu.Lock()
		delete(a.pending, req.CorrelationID)
		a.mu.Unlock()
		a.recordOutcome(false)
		return Response{}, &Failure{Kind: FailureUnsupported, Message: err.Error()}
	}

	timeout := a.callTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	select {
	case resp := <-ch:
		a.recordOutcome(resp.Success)
		if !resp.Success {
			return resp, &Failure{Kind: FailureCompileOrRuntimeError, Message: resp.Error}
		}
		return resp, nil
	case <-time.After(timeout):
		a.mu.Lock()
		delete(a.pending, req.CorrelationID)
		a.mu.Unlock()
		a.recordOutcome(false)
		return Response{}, &Failure{Kind: FailureTimeout, Message: "sandbox call timed out after " + timeout.String()}
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, req.CorrelationID)
		a.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

func (a *Adapter) recordOutcome(ok bool) {
	if a.breaker != nil {
		a.breaker.Record(ok)
	}
}

// Close tears down the underlying connection, if any.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
