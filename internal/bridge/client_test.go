package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeHandle is an in-memory bridge: the test plays the child side of the
// two pipes. Commands written by the client are decoded on a background
// goroutine so client writes never block on the test.
type fakeHandle struct {
	cmdR *io.PipeReader
	cmdW *io.PipeWriter
	evR  *io.PipeReader
	evW  *io.PipeWriter

	cmds chan Command

	mu    sync.Mutex
	alive bool
	done  chan struct{}
}

func newFakeHandle() *fakeHandle {
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()
	h := &fakeHandle{
		cmdR: cmdR, cmdW: cmdW, evR: evR, evW: evW,
		cmds:  make(chan Command, 16),
		alive: true,
		done:  make(chan struct{}),
	}
	go func() {
		scanner := bufio.NewScanner(cmdR)
		for scanner.Scan() {
			var cmd Command
			if err := json.Unmarshal(scanner.Bytes(), &cmd); err == nil {
				h.cmds <- cmd
			}
		}
	}()
	return h
}

func (h *fakeHandle) Stdin() io.WriteCloser { return h.cmdW }
func (h *fakeHandle) Stdout() io.Reader     { return h.evR }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alive {
		h.alive = false
		close(h.done)
		h.evW.Close()
	}
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

// emit writes one event line to the client.
func (h *fakeHandle) emit(t *testing.T, ev Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if _, err := h.evW.Write(append(data, '\n')); err != nil {
		t.Fatalf("emit event: %v", err)
	}
}

// nextCommand returns the next command the client framed.
func (h *fakeHandle) nextCommand(t *testing.T) Command {
	t.Helper()
	select {
	case cmd := <-h.cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return Command{}
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func drain(t *testing.T, ctx context.Context, s *Stream) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		events = append(events, ev)
	}
}

func TestClient_Handshake(t *testing.T) {
	h := newFakeHandle()
	c := NewClient(h, nil)

	h.emit(t, Event{Type: EventReady})
	if err := c.WaitReady(testCtx(t)); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
}

func TestClient_HandshakeTimeout(t *testing.T) {
	h := newFakeHandle()
	c := NewClient(h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestClient_QueryStream(t *testing.T) {
	h := newFakeHandle()
	c := NewClient(h, nil)
	h.emit(t, Event{Type: EventReady})
	ctx := testCtx(t)

	stream, err := c.Send(ctx, Query("hello", "", nil))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	got := h.nextCommand(t)
	if got.Cmd != CmdQuery || got.Prompt != "hello" {
		t.Fatalf("unexpected command on wire: %+v", got)
	}

	h.emit(t, Event{Type: EventMessage, Data: json.RawMessage(`{"n":1}`)})
	h.emit(t, Event{Type: EventMessage, Data: json.RawMessage(`{"n":2}`)})
	h.emit(t, Event{Type: EventDone, SessionID: "sdk-1"})

	events := drain(t, ctx, stream)
	want := []string{EventMessage, EventMessage, EventDone}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i := range want {
		if events[i].Type != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], events[i].Type)
		}
	}
	if events[2].SessionID != "sdk-1" {
		t.Errorf("expected sessionId sdk-1 on done, got %q", events[2].SessionID)
	}
}

func TestClient_SerializesCommands(t *testing.T) {
	h := newFakeHandle()
	c := NewClient(h, nil)
	h.emit(t, Event{Type: EventReady})
	ctx := testCtx(t)

	first, err := c.Send(ctx, Query("one", "", nil))
	if err != nil {
		t.Fatalf("first Send() error: %v", err)
	}
	h.nextCommand(t)

	// The second call must not go through while the first is in flight.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Send(shortCtx, Query("two", "", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded for concurrent send, got %v", err)
	}

	// Terminate the first call; the slot frees up.
	h.emit(t, Event{Type: EventDone})
	drain(t, ctx, first)

	second, err := c.Send(ctx, Query("two", "", nil))
	if err != nil {
		t.Fatalf("second Send() after terminal error: %v", err)
	}
	h.nextCommand(t)
	h.emit(t, Event{Type: EventDone})
	drain(t, ctx, second)
}

func TestClient_InterruptIsOutOfBand(t *testing.T) {
	h := newFakeHandle()
	c := NewClient(h, nil)
	h.emit(t, Event{Type: EventReady})
	ctx := testCtx(t)

	stream, err := c.Send(ctx, Query("long", "", nil))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	h.nextCommand(t)

	if err := c.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt() error: %v", err)
	}
	if got := h.nextCommand(t); got.Cmd != CmdInterrupt {
		t.Fatalf("expected interrupt on wire, got %+v", got)
	}

	h.emit(t, Event{Type: EventError, Error: "interrupted"})
	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if ev.Type != EventError || ev.Error != "interrupted" {
		t.Fatalf("expected interrupted error event, got %+v", ev)
	}
}

func TestClient_ExecResultTerminates(t *testing.T) {
	h := newFakeHandle()
	c := NewClient(h, nil)
	h.emit(t, Event{Type: EventReady})
	ctx := testCtx(t)

	stream, err := c.Send(ctx, Exec("ls -la", 5000))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	got := h.nextCommand(t)
	if got.Cmd != CmdExec || got.Shell != "ls -la" || got.TimeoutMs != 5000 {
		t.Fatalf("unexpected exec command: %+v", got)
	}

	h.emit(t, Event{Type: EventExecResult, ExitCode: 0, Stdout: "total 0\n"})
	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if ev.Type != EventExecResult || ev.Stdout != "total 0\n" {
		t.Fatalf("unexpected exec result: %+v", ev)
	}
	if _, err := stream.Next(ctx); err != io.EOF {
		t.Fatalf("expected EOF after exec_result, got %v", err)
	}
}

func TestClient_MalformedLineIsFatal(t *testing.T) {
	h := newFakeHandle()

	fatalCh := make(chan error, 1)
	c := NewClient(h, func(err error) { fatalCh <- err })
	h.emit(t, Event{Type: EventReady})
	ctx := testCtx(t)

	stream, err := c.Send(ctx, Query("hi", "", nil))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	h.nextCommand(t)

	if _, err := h.evW.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	select {
	case err := <-fatalCh:
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onFatal was not invoked")
	}

	if _, err := stream.Next(ctx); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol from in-flight stream, got %v", err)
	}

	if _, err := c.Send(ctx, Query("again", "", nil)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol from later send, got %v", err)
	}
}

func TestClient_StreamClosedIsFatal(t *testing.T) {
	h := newFakeHandle()

	fatalCh := make(chan error, 1)
	c := NewClient(h, func(err error) { fatalCh <- err })
	h.emit(t, Event{Type: EventReady})
	ctx := testCtx(t)

	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}

	h.evW.Close()

	select {
	case err := <-fatalCh:
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onFatal was not invoked on EOF")
	}
}

func TestClient_UnknownEventIgnored(t *testing.T) {
	h := newFakeHandle()
	c := NewClient(h, nil)
	h.emit(t, Event{Type: EventReady})
	ctx := testCtx(t)

	stream, err := c.Send(ctx, Query("hi", "", nil))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	h.nextCommand(t)

	if _, err := h.evW.Write([]byte(`{"event":"telemetry","data":{}}` + "\n")); err != nil {
		t.Fatalf("write unknown event: %v", err)
	}
	h.emit(t, Event{Type: EventDone})

	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if ev.Type != EventDone {
		t.Fatalf("expected done after ignored unknown event, got %s", ev.Type)
	}
}
