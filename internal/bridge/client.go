package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// MaxLineBytes bounds a single bridge line. Anything longer is a protocol
// violation and kills the sandbox.
const MaxLineBytes = 16 << 20

var (
	// ErrProtocol indicates a malformed line or an unexpectedly closed
	// stream. The sandbox must be treated as dead after this.
	ErrProtocol = errors.New("bridge protocol error")

	// ErrHandshakeTimeout indicates the bridge never sent ready in time.
	ErrHandshakeTimeout = errors.New("bridge handshake timeout")

	// ErrClosed indicates the client was shut down.
	ErrClosed = errors.New("bridge client closed")
)

// Client wraps one sandbox's duplex byte stream with line-framed JSON. It
// serializes query/exec commands (at most one in flight) and demultiplexes
// inbound events onto the current call's stream. Interrupt and shutdown are
// out-of-band and may be sent at any time.
type Client struct {
	handle Handle

	writeMu sync.Mutex
	stdin   io.WriteCloser

	readyOnce sync.Once
	readyCh   chan struct{}

	mu      sync.Mutex
	cur     *Stream
	fatal   error
	onFatal func(error)

	slot chan struct{} // capacity 1; held while a query/exec is in flight
	dead chan struct{} // closed on fatal error or EOF

	unknownKinds map[string]struct{}
}

// NewClient starts reading events from the handle. onFatal is invoked once
// if the bridge violates the protocol or its stream closes unexpectedly;
// the pool uses it to mark the sandbox cold.
func NewClient(h Handle, onFatal func(error)) *Client {
	c := &Client{
		handle:       h,
		stdin:        h.Stdin(),
		readyCh:      make(chan struct{}),
		onFatal:      onFatal,
		slot:         make(chan struct{}, 1),
		dead:         make(chan struct{}),
		unknownKinds: make(map[string]struct{}),
	}
	go c.readLoop()
	return c
}

// WaitReady blocks until the bridge handshake completes. The guarantee is
// that ready arrives before any other event; callers bound this with a
// deadline and treat expiry as ErrHandshakeTimeout.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.dead:
		return c.fatalErr()
	case <-ctx.Done():
		return ErrHandshakeTimeout
	}
}

// Send frames a query or exec command and returns its event stream. The call
// blocks while another query/exec is in flight. The returned stream MUST be
// drained to its terminal event or cancelled via Close.
func (c *Client) Send(ctx context.Context, cmd Command) (*Stream, error) {
	if cmd.Cmd != CmdQuery && cmd.Cmd != CmdResume && cmd.Cmd != CmdExec {
		return nil, fmt.Errorf("bridge: %q is not a streamable command", cmd.Cmd)
	}

	select {
	case c.slot <- struct{}{}:
	case <-c.dead:
		return nil, c.fatalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s := &Stream{
		client: c,
		ch:     make(chan Event, 64),
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		<-c.slot
		return nil, err
	}
	c.cur = s
	c.mu.Unlock()

	if err := c.write(ctx, cmd); err != nil {
		c.mu.Lock()
		if c.cur == s {
			c.cur = nil
		}
		c.mu.Unlock()
		c.release(s)
		return nil, err
	}
	return s, nil
}

// Interrupt cancels an in-flight query. Out-of-band: it may overtake a
// pending command.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.write(ctx, Command{Cmd: CmdInterrupt})
}

// Shutdown asks the bridge to stop gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.write(ctx, Command{Cmd: CmdShutdown})
}

// Alive reports whether the underlying process is still running and no
// fatal protocol error has occurred.
func (c *Client) Alive() bool {
	select {
	case <-c.dead:
		return false
	default:
	}
	return c.handle.Alive()
}

// write frames one command. Pipe writes can block when the buffer is full,
// so the write runs on its own goroutine and the call stays cancelable.
func (c *Client) write(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s command: %w", cmd.Cmd, err)
	}
	data = append(data, '\n')

	errCh := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_, werr := c.stdin.Write(data)
		errCh <- werr
	}()

	select {
	case werr := <-errCh:
		if werr != nil {
			c.fail(fmt.Errorf("%w: write failed: %v", ErrProtocol, werr))
			return fmt.Errorf("%w: write failed: %v", ErrProtocol, werr)
		}
		return nil
	case <-c.dead:
		return c.fatalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.handle.Stdout())
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			c.fail(fmt.Errorf("%w: malformed line: %v", ErrProtocol, err))
			return
		}

		switch ev.Type {
		case EventReady:
			c.readyOnce.Do(func() { close(c.readyCh) })
		case EventMessage, EventError, EventDone, EventExecResult:
			c.deliver(ev)
		default:
			c.mu.Lock()
			if _, seen := c.unknownKinds[ev.Type]; !seen {
				c.unknownKinds[ev.Type] = struct{}{}
				log.Printf("bridge: ignoring unknown event kind %q", ev.Type)
			}
			c.mu.Unlock()
		}
	}

	if err := scanner.Err(); err != nil {
		c.fail(fmt.Errorf("%w: read failed: %v", ErrProtocol, err))
		return
	}
	// EOF. Only fatal if a call was still in flight.
	c.fail(fmt.Errorf("%w: stream closed", ErrProtocol))
}

func (c *Client) deliver(ev Event) {
	c.mu.Lock()
	s := c.cur
	if ev.Terminal() {
		c.cur = nil
	}
	c.mu.Unlock()

	if s == nil {
		// Event with no active call, e.g. a late terminal after interrupt
		// raced with a cancel. Nothing to route it to.
		return
	}

	s.push(ev)
	if ev.Terminal() {
		s.finish(nil)
		c.release(s)
	}
}

// release frees the single in-flight slot exactly once per call, regardless
// of which path (terminal event, fatal error, failed write) ends the call.
func (c *Client) release(s *Stream) {
	s.relOnce.Do(func() { <-c.slot })
}

// fail marks the client dead exactly once, errors the in-flight stream and
// notifies the owner.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.fatal != nil {
		c.mu.Unlock()
		return
	}
	c.fatal = err
	s := c.cur
	c.cur = nil
	onFatal := c.onFatal
	c.mu.Unlock()

	close(c.dead)
	if s != nil {
		s.finish(err)
		c.release(s)
	}
	if onFatal != nil {
		onFatal(err)
	}
}

func (c *Client) fatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	return ErrClosed
}

// Stream is the lazy, finite event stream of one query/exec call. It ends
// with exactly one terminal event (done, error or exec_result), after which
// Next returns io.EOF.
type Stream struct {
	client  *Client
	ch      chan Event
	relOnce sync.Once

	once   sync.Once
	closed chan struct{}

	errMu    sync.Mutex
	err      error
	finished bool
}

// Next returns the next event. io.EOF follows the terminal event.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			if err := s.failure(); err != nil {
				return Event{}, err
			}
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close cancels the call. If the terminal event has not arrived yet, an
// interrupt is sent so the bridge winds the command down; remaining events
// are discarded.
func (s *Stream) Close() error {
	var needInterrupt bool
	s.once.Do(func() {
		close(s.closed)
		s.errMu.Lock()
		needInterrupt = !s.finished
		s.errMu.Unlock()
	})
	if needInterrupt && s.client != nil && s.client.Alive() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.Interrupt(ctx)
	}
	return nil
}

func (s *Stream) push(ev Event) {
	select {
	case s.ch <- ev:
	case <-s.closed:
		// Consumer cancelled; discard.
	}
}

// finish closes the channel after the terminal event (err == nil) or records
// the fatal error and closes immediately.
func (s *Stream) finish(err error) {
	s.errMu.Lock()
	s.err = err
	s.finished = true
	s.errMu.Unlock()
	close(s.ch)
}

func (s *Stream) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
