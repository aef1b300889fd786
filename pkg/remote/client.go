package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/telemetry"
)

// Config contains client configuration options.
type Config struct {
	// Addr is the editor engine's TCP address (host:port).
	Addr string

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// ReadyTimeout bounds the wait for the engine's READY handshake.
	ReadyTimeout time.Duration
}

// Client manages one connection to the editor engine and implements
// engine.CommandClient. Responses are demultiplexed by command ID, so
// multiple steps can be in flight on the single connection.
type Client struct {
	conn    io.ReadWriteCloser
	encoder *Encoder
	decoder *Decoder
	logger  *telemetry.Logger
	ready   *ReadyMessage

	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool
	readErr error
	done    chan struct{}
}

// Dial connects to the editor engine and waits for its READY handshake.
func Dial(ctx context.Context, cfg Config, logger *telemetry.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("remote address is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine at %s: %w", cfg.Addr, err)
	}

	return NewClient(ctx, conn, cfg.ReadyTimeout, logger)
}

// NewClient wraps an established connection. Used directly in tests with
// in-memory pipes.
func NewClient(ctx context.Context, conn io.ReadWriteCloser, readyTimeout time.Duration, logger *telemetry.Logger) (*Client, error) {
	if readyTimeout == 0 {
		readyTimeout = 10 * time.Second
	}

	c := &Client{
		conn:    conn,
		encoder: NewEncoder(conn),
		decoder: NewDecoder(conn),
		logger:  logger.NewComponentLogger("remote"),
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}

	readyCh := make(chan *ReadyMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready ReadyMessage
		if err := ParsePayload(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	select {
	case <-readyCtx.Done():
		conn.Close()
		return nil, fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		conn.Close()
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		c.logger.WithField("engine", ready.Engine).
			WithField("version", ready.Version).
			Info("connected to editor engine")
	}

	go c.readLoop()
	return c, nil
}

// Ready returns the READY message received during the handshake.
func (c *Client) Ready() *ReadyMessage {
	return c.ready
}

// readLoop demultiplexes incoming messages to their waiting dispatchers.
func (c *Client) readLoop() {
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			c.failAll(err)
			return
		}

		switch msg.Type {
		case MessageTypeEvent:
			var event EventMessage
			if err := ParsePayload(msg.Data, &event); err != nil {
				c.logger.WithError(err).Warn("malformed event frame")
				continue
			}
			c.logger.WithField("command_id", event.CommandID).
				WithField("level", event.Level).
				Debug(event.Message)

		case MessageTypeDone, MessageTypeError, MessageTypeAsk:
			id := correlationID(msg)
			if id == "" {
				c.logger.WithField("type", string(msg.Type)).Warn("frame without command ID")
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if !ok {
				c.logger.WithField("command_id", id).Warn("frame for unknown command")
				continue
			}
			ch <- msg

		case MessageTypeExit:
			var exit ExitMessage
			_ = ParsePayload(msg.Data, &exit)
			c.logger.WithField("reason", exit.Reason).Info("engine exiting")
			c.failAll(fmt.Errorf("engine exited: %s", exit.Reason))
			return

		default:
			c.logger.WithField("type", string(msg.Type)).Warn("unexpected frame")
		}
	}
}

// correlationID extracts the command ID from a terminal frame.
func correlationID(msg *Message) string {
	var probe struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(msg.Data, &probe); err != nil {
		return ""
	}
	return probe.CommandID
}

// failAll fails every in-flight command with a connection-level error.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	close(c.done)
}

// register adds a waiter for the given command ID.
func (c *Client) register(id string) (chan *Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connection closed: %w", c.readErr)
	}
	ch := make(chan *Message, 1)
	c.pending[id] = ch
	return ch, nil
}

// deregister removes a waiter, e.g. after context cancellation.
func (c *Client) deregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// await waits for the terminal frame of the given command.
func (c *Client) await(ctx context.Context, id string, ch chan *Message) (*Message, error) {
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, engine.NewStepError(engine.KindTransientNetwork,
				"connection to engine lost", c.readErr)
		}
		return msg, nil
	case <-c.done:
		c.deregister(id)
		return nil, engine.NewStepError(engine.KindTransientNetwork,
			"connection to engine lost", c.readErr)
	case <-ctx.Done():
		c.deregister(id)
		return nil, ctx.Err()
	}
}

// Dispatch sends the step to the engine and waits for its terminal
// frame. The command ID is unique per attempt; the idempotency key is
// the step's and is what the engine deduplicates on.
func (c *Client) Dispatch(ctx context.Context, step engine.Step) (engine.StepResult, error) {
	params, err := json.Marshal(step.Parameters)
	if err != nil {
		return engine.StepResult{}, fmt.Errorf("failed to marshal parameters: %w", err)
	}

	timeoutSec := int(step.Timeout.Seconds())
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	cmd := &CommandMessage{
		ID:             uuid.New().String(),
		Capability:     step.Capability,
		IdempotencyKey: step.IdempotencyKey,
		Timeout:        timeoutSec,
		Params:         params,
	}
	if err := cmd.Validate(); err != nil {
		return engine.StepResult{}, fmt.Errorf("invalid command: %w", err)
	}

	ch, err := c.register(cmd.ID)
	if err != nil {
		return engine.StepResult{}, engine.NewStepError(engine.KindTransientNetwork,
			"engine connection unavailable", err)
	}

	if err := c.encoder.Encode(MessageTypeCommand, cmd); err != nil {
		c.deregister(cmd.ID)
		return engine.StepResult{}, engine.NewStepError(engine.KindTransientNetwork,
			"failed to send command", err)
	}

	msg, err := c.await(ctx, cmd.ID, ch)
	if err != nil {
		return engine.StepResult{}, err
	}
	return translateResult(msg)
}

// translateResult maps a terminal frame to the executor's result type.
func translateResult(msg *Message) (engine.StepResult, error) {
	switch msg.Type {
	case MessageTypeDone:
		var done DoneMessage
		if err := ParsePayload(msg.Data, &done); err != nil {
			return engine.StepResult{}, fmt.Errorf("malformed DONE frame: %w", err)
		}
		return engine.StepResult{
			Kind:    engine.ResultSuccess,
			Payload: done.Result,
			Facts:   done.Facts,
		}, nil

	case MessageTypeError:
		var errMsg ErrorMessage
		if err := ParsePayload(msg.Data, &errMsg); err != nil {
			return engine.StepResult{}, fmt.Errorf("malformed ERROR frame: %w", err)
		}
		kind := FailureKind(errMsg.Code, errMsg.Retryable)
		result := engine.StepResult{
			Kind:        engine.ResultFatalFailure,
			FailureKind: kind,
			Reason:      fmt.Sprintf("%s: %s", errMsg.Code, errMsg.Message),
		}
		if engine.IsTransientKind(kind) {
			result.Kind = engine.ResultRecoverableFailure
		}
		return result, nil

	case MessageTypeAsk:
		var ask AskMessage
		if err := ParsePayload(msg.Data, &ask); err != nil {
			return engine.StepResult{}, fmt.Errorf("malformed ASK frame: %w", err)
		}
		if err := ask.Validate(); err != nil {
			return engine.StepResult{}, fmt.Errorf("invalid ASK frame: %w", err)
		}
		return engine.StepResult{
			Kind: engine.ResultAmbiguous,
			Ambiguity: &engine.Ambiguity{
				Question:  ask.Question,
				Options:   ask.Options,
				Parameter: ask.Parameter,
			},
		}, nil

	default:
		return engine.StepResult{}, fmt.Errorf("unexpected terminal frame: %s", msg.Type)
	}
}

// Reconcile asks the engine whether the effect identified by the
// idempotency key has already been applied.
func (c *Client) Reconcile(ctx context.Context, idempotencyKey string) (bool, error) {
	req := &ReconcileMessage{
		ID:             uuid.New().String(),
		IdempotencyKey: idempotencyKey,
	}

	ch, err := c.register(req.ID)
	if err != nil {
		return false, err
	}

	if err := c.encoder.Encode(MessageTypeReconcile, req); err != nil {
		c.deregister(req.ID)
		return false, fmt.Errorf("failed to send reconcile query: %w", err)
	}

	msg, err := c.await(ctx, req.ID, ch)
	if err != nil {
		return false, err
	}

	switch msg.Type {
	case MessageTypeDone:
		var done DoneMessage
		if err := ParsePayload(msg.Data, &done); err != nil {
			return false, fmt.Errorf("malformed DONE frame: %w", err)
		}
		var result ReconcileResult
		if err := ParsePayload(done.Result, &result); err != nil {
			return false, fmt.Errorf("malformed reconcile result: %w", err)
		}
		return result.Applied, nil
	case MessageTypeError:
		var errMsg ErrorMessage
		if err := ParsePayload(msg.Data, &errMsg); err != nil {
			return false, fmt.Errorf("malformed ERROR frame: %w", err)
		}
		return false, fmt.Errorf("reconcile failed: %s - %s", errMsg.Code, errMsg.Message)
	default:
		return false, fmt.Errorf("unexpected terminal frame: %s", msg.Type)
	}
}

// Abort signals best-effort cancellation. No acknowledgement is awaited.
func (c *Client) Abort(ctx context.Context, idempotencyKey string) error {
	return c.encoder.Encode(MessageTypeAbort, &AbortMessage{
		IdempotencyKey: idempotencyKey,
	})
}

// Close tears down the connection and fails any in-flight commands.
func (c *Client) Close() error {
	c.failAll(fmt.Errorf("client closed"))
	return c.conn.Close()
}
