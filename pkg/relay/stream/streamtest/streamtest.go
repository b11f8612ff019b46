// Package streamtest provides deterministic in-memory fakes for the stream
// package, used to drive session state-machine tests with scripted event
// sequences.
package streamtest

import (
	"context"
	"sync"

	"github.com/voxlane/voicerelay/pkg/relay/audio"
	"github.com/voxlane/voicerelay/pkg/relay/stream"
)

// Bridge is a scripted stream.Bridge. Events are emitted by the test via
// Emit/EmitTerminal, or preloaded with NewScripted.
type Bridge struct {
	mu        sync.Mutex
	sent      []audio.Frame
	cancels   int
	closed    bool
	events    chan stream.Event
	closeOnce sync.Once

	// SendErr, when set, is returned by the next Send call.
	SendErr error
}

var (
	_ stream.Bridge = (*Bridge)(nil)
	_ stream.Dialer = (*Dialer)(nil)
)

// NewBridge creates an idle bridge; the test emits events explicitly.
func NewBridge() *Bridge {
	return &Bridge{
		events: make(chan stream.Event, 64),
	}
}

// NewScripted creates a bridge preloaded with the given events. If the last
// event is terminal the event channel is closed after it, matching the real
// bridge contract.
func NewScripted(events ...stream.Event) *Bridge {
	b := &Bridge{
		events: make(chan stream.Event, len(events)+1),
	}
	for _, ev := range events {
		b.events <- ev
	}
	if len(events) > 0 && stream.Terminal(events[len(events)-1]) {
		b.finish()
	}
	return b
}

// Send records the frame, or fails if the bridge has ended.
func (b *Bridge) Send(f audio.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stream.ErrStreamClosed
	}
	if b.SendErr != nil {
		err := b.SendErr
		b.SendErr = nil
		return err
	}
	cp := make(audio.Frame, len(f))
	copy(cp, f)
	b.sent = append(b.sent, cp)
	return nil
}

// Events returns the scripted event channel.
func (b *Bridge) Events() <-chan stream.Event {
	return b.events
}

// Cancel marks the bridge closed. Idempotent; buffered events are left
// undelivered, matching the contract that a cancelled bridge makes no
// further progress for its reader.
func (b *Bridge) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	b.closed = true
}

// Emit queues one non-terminal event.
func (b *Bridge) Emit(ev stream.Event) {
	b.events <- ev
}

// EmitTerminal queues ev, closes the event channel, and marks the bridge
// closed for Send.
func (b *Bridge) EmitTerminal(ev stream.Event) {
	b.events <- ev
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.finish()
}

func (b *Bridge) finish() {
	b.closeOnce.Do(func() {
		close(b.events)
	})
}

// Sent returns a copy of every frame passed to Send, in order.
func (b *Bridge) Sent() []audio.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]audio.Frame, len(b.sent))
	copy(out, b.sent)
	return out
}

// Cancels returns how many times Cancel was called.
func (b *Bridge) Cancels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

// Dialer hands out pre-built bridges in order. Opens beyond the prepared
// list return fresh idle bridges so tests can still observe them.
type Dialer struct {
	mu      sync.Mutex
	bridges []*Bridge
	opened  int

	// OpenErr, when set, is returned by the next Open call.
	OpenErr error
}

// NewDialer creates a dialer that returns the given bridges in order.
func NewDialer(bridges ...*Bridge) *Dialer {
	return &Dialer{bridges: bridges}
}

// Open implements stream.Dialer.
func (d *Dialer) Open(_ context.Context, _ string) (stream.Bridge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		err := d.OpenErr
		d.OpenErr = nil
		return nil, err
	}
	if d.opened >= len(d.bridges) {
		d.bridges = append(d.bridges, NewBridge())
	}
	b := d.bridges[d.opened]
	d.opened++
	return b, nil
}

// Opened returns how many bridges have been handed out.
func (d *Dialer) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Bridge returns the i-th bridge handed out (or prepared).
func (d *Dialer) Bridge(i int) *Bridge {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.bridges) {
		return nil
	}
	return d.bridges[i]
}
