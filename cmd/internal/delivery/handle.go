package delivery

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is a connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateIdle
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid_state_transition")

// ErrQueueOverflow is the close reason of a handle disconnected by the overflow policy.
var ErrQueueOverflow = errors.New("send_queue_overflow")

var transitions = map[State][]State{
	StateConnecting: {StateActive, StateIdle, StateDraining, StateClosed},
	StateActive:     {StateIdle, StateDraining, StateClosed},
	StateIdle:       {StateClosed},
	StateDraining:   {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OverflowPolicy decides what happens when a connection's outbound queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued message; the client sees a seq gap and catches up.
	DropOldest OverflowPolicy = iota
	// Disconnect closes the slow connection; the client reconnects and catches up.
	Disconnect
)

func (p OverflowPolicy) String() string {
	if p == Disconnect {
		return "disconnect"
	}
	return "drop_oldest"
}

// ParseOverflowPolicy accepts "drop_oldest" and "disconnect" (case-insensitive).
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest", "drop-oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// PushResult is the outcome of one Push.
type PushResult int

const (
	PushQueued   PushResult = iota // enqueued for the writer
	PushHeld                       // connection still Connecting; flushed on Activate
	PushSkipped                    // seq already delivered on this connection
	PushDropped                    // enqueued by evicting an older message, or connection not live
	PushOverflow                   // queue full under Disconnect; connection closed
)

func (r PushResult) String() string {
	switch r {
	case PushQueued:
		return "queued"
	case PushHeld:
		return "held"
	case PushSkipped:
		return "skipped"
	case PushDropped:
		return "dropped"
	case PushOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Handle is one live client connection as seen by the delivery core.
//
// Pushes never block: Out() is a bounded queue drained by the transport's writer.
// Within a chat a handle only ever emits increasing seqs; anything at or below the last
// pushed seq for that chat is skipped.
type Handle struct {
	UserID string
	ConnID string

	policy  OverflowPolicy
	metrics *Metrics

	mu         sync.Mutex
	state      State
	out        chan Message
	held       []Message
	lastPushed map[string]int64
	reason     error

	lastSeen atomic.Int64 // unix nanos

	done      chan struct{}
	draining  chan struct{}
	closeOnce sync.Once
	drainOnce sync.Once
}

func newHandle(userID, connID string, queueSize int, policy OverflowPolicy, now time.Time, m *Metrics) *Handle {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	h := &Handle{
		UserID:     userID,
		ConnID:     connID,
		policy:     policy,
		metrics:    m,
		state:      StateConnecting,
		out:        make(chan Message, queueSize),
		lastPushed: make(map[string]int64),
		done:       make(chan struct{}),
		draining:   make(chan struct{}),
	}
	h.lastSeen.Store(now.UnixNano())
	return h
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Out is the outbound message queue. It is never closed; select on Done as well.
func (h *Handle) Out() <-chan Message { return h.out }

// Done is closed when the handle reaches Closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Draining is closed when the server asks this connection to wind down.
func (h *Handle) Draining() <-chan struct{} { return h.draining }

// Err returns why the handle was closed (nil while open or on a clean close).
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// LastPushed returns the highest seq pushed (or recorded as delivered) for chatID.
func (h *Handle) LastPushed(chatID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPushed[chatID]
}

// LastSeen returns the time of the last heartbeat or inbound frame.
func (h *Handle) LastSeen() time.Time {
	return time.Unix(0, h.lastSeen.Load())
}

// Touch records liveness.
func (h *Handle) Touch(now time.Time) {
	h.lastSeen.Store(now.UnixNano())
}

// MarkDelivered records that the transport already delivered chatID up to seq
// (catch-up), so later pushes at or below seq are skipped.
func (h *Handle) MarkDelivered(chatID string, seq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq > h.lastPushed[chatID] {
		h.lastPushed[chatID] = seq
	}
}

// Push offers m to the connection without blocking.
func (h *Handle) Push(m Message) PushResult {
	h.mu.Lock()
	res := h.pushLocked(m)
	overflow := res == PushOverflow
	h.mu.Unlock()

	if overflow {
		h.Close(ErrQueueOverflow)
	}
	h.metrics.incPush(res)
	return res
}

func (h *Handle) pushLocked(m Message) PushResult {
	switch h.state {
	case StateIdle, StateDraining, StateClosed:
		return PushDropped
	}
	if m.Seq <= h.lastPushed[m.ChatID] {
		return PushSkipped
	}
	if h.state == StateConnecting {
		if len(h.held) >= cap(h.out) {
			if h.policy == Disconnect {
				return PushOverflow
			}
			h.held = h.held[1:]
		}
		h.held = append(h.held, m)
		return PushHeld
	}
	return h.enqueueLocked(m)
}

func (h *Handle) enqueueLocked(m Message) PushResult {
	select {
	case h.out <- m:
		h.lastPushed[m.ChatID] = m.Seq
		return PushQueued
	default:
	}

	if h.policy == Disconnect {
		return PushOverflow
	}

	// Only pushers (serialized by mu) write to out, so after one eviction there is room.
	select {
	case <-h.out:
	default:
	}
	select {
	case h.out <- m:
		h.lastPushed[m.ChatID] = m.Seq
	default:
	}
	return PushDropped
}

// Activate moves a Connecting handle to Active and flushes pushes held during
// catch-up, skipping anything catch-up already delivered.
func (h *Handle) Activate() error {
	h.mu.Lock()
	if h.state != StateConnecting {
		from := h.state
		h.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StateActive)
	}
	h.state = StateActive

	held := h.held
	h.held = nil
	overflow := false
	for _, m := range held {
		if m.Seq <= h.lastPushed[m.ChatID] {
			continue
		}
		if h.enqueueLocked(m) == PushOverflow {
			overflow = true
			break
		}
	}
	h.mu.Unlock()

	if overflow {
		h.Close(ErrQueueOverflow)
	}
	return nil
}

// Drain asks the connection to wind down. In-flight acks are still accepted until Close.
func (h *Handle) Drain() error {
	if err := h.transition(StateDraining); err != nil {
		return err
	}
	h.drainOnce.Do(func() { close(h.draining) })
	return nil
}

// expire marks a silent connection Idle and closes it.
func (h *Handle) expire() {
	if err := h.transition(StateIdle); err != nil {
		return
	}
	h.Close(ErrConnectionLost)
}

// Close moves the handle to Closed (idempotent). reason may be nil.
func (h *Handle) Close(reason error) {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateClosed
	h.reason = reason
	h.held = nil
	h.mu.Unlock()

	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Handle) transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !canTransition(h.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.state, to)
	}
	h.state = to
	return nil
}

// Closed reports whether the handle reached its terminal state.
func (h *Handle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
