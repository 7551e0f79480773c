package relay

import (
	"strings"
	"sync"

	"github.com/tetherdev/tether/internal/errors"
	"github.com/tetherdev/tether/internal/event"
	"github.com/tetherdev/tether/internal/logging"
	"github.com/tetherdev/tether/internal/session"
	"github.com/tetherdev/tether/internal/session/capture"
)

// DefaultQueueDepth bounds the per-subscriber delivery queue. A subscriber
// that falls further behind loses its oldest undelivered frames; the
// session's scrollback is unaffected.
const DefaultQueueDepth = 256

// Conn is one client connection as the router sees it: an identity plus an
// ordered, reliable send. Send may block briefly (a write mutex) but must
// return an error once the connection is gone.
type Conn interface {
	ID() string
	Send(msg Message) error
}

// subscription is one (connection, session) fan-out target. Frames are
// enqueued by the session's pipeline goroutine and drained by the
// subscription's own writer goroutine, so a slow connection never blocks
// the producer.
type subscription struct {
	conn      Conn
	sess      *session.Session
	sessionID string
	sinkID    uint64

	replay []Message
	queue  chan Message

	done      chan struct{} // immediate stop, queued messages dropped
	drain     chan struct{} // stop after flushing the queue
	stopOnce  sync.Once
	drainOnce sync.Once
}

// enqueue adds a message, dropping the oldest queued message when full.
func (s *subscription) enqueue(m Message) {
	for {
		select {
		case s.queue <- m:
			return
		default:
			select {
			case <-s.queue:
			default:
			}
		}
	}
}

func (s *subscription) stop() { s.stopOnce.Do(func() { close(s.done) }) }

func (s *subscription) stopAfterDrain() { s.drainOnce.Do(func() { close(s.drain) }) }

// Router maps sessions to subscribed connections. It owns every
// subscription's lifecycle; the session side only sees anonymous sinks.
type Router struct {
	registry   *session.Registry
	bus        *event.Bus
	logger     *logging.Logger
	queueDepth int

	mu   sync.Mutex
	subs map[string]map[string]*subscription // connID -> sessionID -> sub

	busSubIDs []string
}

// NewRouter creates a router and wires it to the session lifecycle events.
// queueDepth <= 0 selects DefaultQueueDepth.
func NewRouter(registry *session.Registry, bus *event.Bus, logger *logging.Logger, queueDepth int) *Router {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	r := &Router{
		registry:   registry,
		bus:        bus,
		logger:     logger.WithComponent("router"),
		queueDepth: queueDepth,
		subs:       make(map[string]map[string]*subscription),
	}
	r.busSubIDs = append(r.busSubIDs,
		bus.Subscribe("session.state", r.onSessionState),
		bus.Subscribe("session.closed", r.onSessionClosed),
	)
	return r
}

// Subscribe attaches conn to the session's output stream. The current
// scrollback is replayed as one batch before any live frame; the snapshot
// and the live handoff share the session's buffer lock, so no frame is
// duplicated or skipped across the boundary. Re-subscribing replaces the
// existing subscription.
func (r *Router) Subscribe(conn Conn, sessionID string) error {
	sess, err := r.registry.Get(sessionID)
	if err != nil {
		return err
	}

	// Replace any existing subscription before taking the new snapshot, so
	// the old sink cannot deliver a frame the new replay already covers.
	r.mu.Lock()
	prev := r.removeLocked(conn.ID(), sessionID)
	r.mu.Unlock()
	if prev != nil {
		prev.sess.Detach(prev.sinkID)
		prev.stop()
	}

	sub := &subscription{
		conn:      conn,
		sess:      sess,
		sessionID: sessionID,
		queue:     make(chan Message, r.queueDepth),
		done:      make(chan struct{}),
		drain:     make(chan struct{}),
	}

	sinkID, snapshot := sess.Attach(func(f capture.Frame) {
		sub.enqueue(NewOutputMessage(sessionID, f.Text, f.Clear))
	})
	sub.sinkID = sinkID

	info := sess.Snapshot()
	sub.replay = []Message{
		renderReplay(sessionID, snapshot),
		NewSessionStateMessage(sessionID, string(info.State), info.HasUnread, info.DetectedOptions),
	}

	r.mu.Lock()
	// A concurrent subscribe for the same pair may have won the race;
	// the newest subscription wins.
	racer := r.removeLocked(conn.ID(), sessionID)
	byConn, ok := r.subs[conn.ID()]
	if !ok {
		byConn = make(map[string]*subscription)
		r.subs[conn.ID()] = byConn
	}
	byConn[sessionID] = sub
	r.mu.Unlock()

	if racer != nil {
		racer.sess.Detach(racer.sinkID)
		racer.stop()
	}

	go r.writeLoop(sub)

	r.logger.Debug("subscribed", "conn_id", conn.ID(), "session_id", sessionID)
	return nil
}

// Unsubscribe stops delivery of sessionID's frames to the connection.
// Idempotent if not subscribed.
func (r *Router) Unsubscribe(connID, sessionID string) {
	r.mu.Lock()
	sub := r.removeLocked(connID, sessionID)
	r.mu.Unlock()

	if sub == nil {
		return
	}
	sub.sess.Detach(sub.sinkID)
	sub.stop()
	r.logger.Debug("unsubscribed", "conn_id", connID, "session_id", sessionID)
}

// Input forwards client keystrokes to the session's process. The connection
// must hold a live subscription to the session.
func (r *Router) Input(connID, sessionID string, data []byte) error {
	if !r.subscribed(connID, sessionID) {
		return errors.NewRelayError("input rejected", errors.ErrNotSubscribed).
			WithSessionID(sessionID).WithConnID(connID)
	}
	return r.registry.Write(sessionID, data)
}

// Resize forwards a terminal geometry change. Same subscription check as
// Input.
func (r *Router) Resize(connID, sessionID string, cols, rows uint16) error {
	if !r.subscribed(connID, sessionID) {
		return errors.NewRelayError("resize rejected", errors.ErrNotSubscribed).
			WithSessionID(sessionID).WithConnID(connID)
	}
	return r.registry.Resize(sessionID, cols, rows)
}

// DropConnection releases every subscription held by a connection that is
// gone. No session retains a dangling fan-out target afterwards.
func (r *Router) DropConnection(connID string) {
	r.mu.Lock()
	byConn := r.subs[connID]
	delete(r.subs, connID)
	r.mu.Unlock()

	for _, sub := range byConn {
		sub.sess.Detach(sub.sinkID)
		sub.stop()
	}
	if len(byConn) > 0 {
		r.logger.Debug("connection dropped", "conn_id", connID, "subscriptions", len(byConn))
	}
}

// Close detaches from the event bus and stops every subscription.
func (r *Router) Close() {
	for _, id := range r.busSubIDs {
		r.bus.Unsubscribe(id)
	}

	r.mu.Lock()
	all := r.subs
	r.subs = make(map[string]map[string]*subscription)
	r.mu.Unlock()

	for _, byConn := range all {
		for _, sub := range byConn {
			sub.sess.Detach(sub.sinkID)
			sub.stop()
		}
	}
}

// subscribed reports whether the connection currently holds a live
// subscription to the session.
func (r *Router) subscribed(connID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[connID][sessionID]
	return ok
}

// removeLocked detaches a subscription from the maps; caller holds r.mu and
// is responsible for stopping the returned subscription.
func (r *Router) removeLocked(connID, sessionID string) *subscription {
	byConn := r.subs[connID]
	sub, ok := byConn[sessionID]
	if !ok {
		return nil
	}
	delete(byConn, sessionID)
	if len(byConn) == 0 {
		delete(r.subs, connID)
	}
	return sub
}

// subscribersOf returns the live subscriptions for one session.
func (r *Router) subscribersOf(sessionID string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*subscription
	for _, byConn := range r.subs {
		if sub, ok := byConn[sessionID]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// onSessionState pushes a sessionState message to every subscriber of the
// session whose state changed.
func (r *Router) onSessionState(e event.Event) {
	state, ok := e.(event.SessionStateEvent)
	if !ok {
		return
	}
	msg := NewSessionStateMessage(state.SessionID, state.ConnectionState, state.HasUnread, state.DetectedOptions)
	for _, sub := range r.subscribersOf(state.SessionID) {
		sub.enqueue(msg)
	}
}

// onSessionClosed pushes exactly one terminal closed message to every
// subscriber, then removes all of the session's subscriptions. Writer
// goroutines flush their queues before exiting, so the closed message is
// delivered after any frames already queued.
func (r *Router) onSessionClosed(e event.Event) {
	closed, ok := e.(event.SessionClosedEvent)
	if !ok {
		return
	}
	msg := NewClosedMessage(closed.SessionID, closed.Reason)

	r.mu.Lock()
	var subs []*subscription
	for connID, byConn := range r.subs {
		if sub, ok := byConn[closed.SessionID]; ok {
			subs = append(subs, sub)
			delete(byConn, closed.SessionID)
			if len(byConn) == 0 {
				delete(r.subs, connID)
			}
		}
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.sess.Detach(sub.sinkID)
		sub.enqueue(msg)
		sub.stopAfterDrain()
	}
}

// writeLoop is the per-subscription writer goroutine: replay batch first,
// then live messages in queue order. A send failure drops this subscriber
// only; the session and its other subscribers are unaffected.
func (r *Router) writeLoop(sub *subscription) {
	for _, m := range sub.replay {
		select {
		case <-sub.done:
			return
		default:
		}
		if err := sub.conn.Send(m); err != nil {
			r.failSubscriber(sub, err)
			return
		}
	}

	for {
		select {
		case <-sub.done:
			return
		case m := <-sub.queue:
			if err := sub.conn.Send(m); err != nil {
				r.failSubscriber(sub, err)
				return
			}
		case <-sub.drain:
			for {
				select {
				case <-sub.done:
					return
				case m := <-sub.queue:
					if err := sub.conn.Send(m); err != nil {
						r.failSubscriber(sub, err)
						return
					}
				default:
					return
				}
			}
		}
	}
}

// failSubscriber removes a subscriber whose connection rejected a send.
func (r *Router) failSubscriber(sub *subscription, cause error) {
	relayErr := errors.NewRelayError("delivery failed",
		errors.Join(errors.ErrSubscriberDeliveryFailed, cause)).
		WithSessionID(sub.sessionID).WithConnID(sub.conn.ID())
	r.logger.Warn("dropping subscriber", "error", relayErr)

	r.mu.Lock()
	r.removeLocked(sub.conn.ID(), sub.sessionID)
	r.mu.Unlock()

	sub.sess.Detach(sub.sinkID)
	sub.stop()
}

// renderReplay collapses a scrollback snapshot into one output message.
// Clear frames truncate the buffer at append time, so at most the first
// frame carries the clear flag; the batch always clears the client display
// so the replayed view replaces whatever was shown before.
func renderReplay(sessionID string, frames []capture.Frame) Message {
	var sb strings.Builder
	for _, f := range frames {
		sb.WriteString(f.Text)
	}
	return NewOutputMessage(sessionID, sb.String(), true)
}
