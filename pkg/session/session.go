package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sashimono/agent/pkg/api"
	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/message"
	"github.com/sashimono/agent/pkg/metrics"
)

// State is the remote session lifecycle. Transitions are monotonic:
// none -> active -> must_close -> closed.
type State int32

const (
	StateNone State = iota
	StateActive
	StateMustClose
	StateClosed
)

const (
	// inboundCapacity bounds the unprocessed inbound queue. Overflow is
	// dropped silently: explicit back-pressure on the sender, not replay.
	inboundCapacity = 64

	// writerIdleSleep is how long the writer dozes when nothing is queued
	writerIdleSleep = 10 * time.Millisecond
)

// Session is one persistent websocket connection to the cluster controller.
// A reader goroutine feeds the bounded inbound queue, a handler goroutine
// dispatches requests, and a writer goroutine drains the unbounded outbound
// queue. Read failures drive the session to must_close; write failures are
// logged and tolerated.
type Session struct {
	conn       *websocket.Conn
	dispatcher *api.Dispatcher

	inbound chan []byte

	outMu    sync.Mutex
	outbound [][]byte

	stateMu sync.Mutex
	state   State

	wg sync.WaitGroup
}

// NewSession wraps an established websocket connection and starts the
// reader, handler and writer. The unsolicited init greeting is queued first.
func NewSession(conn *websocket.Conn, dispatcher *api.Dispatcher) (*Session, error) {
	greeting, err := message.InitMessage().Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build init message: %w", err)
	}

	s := &Session{
		conn:       conn,
		dispatcher: dispatcher,
		inbound:    make(chan []byte, inboundCapacity),
		state:      StateActive,
	}
	s.Enqueue(greeting)

	s.wg.Add(3)
	go s.readLoop()
	go s.handleLoop()
	go s.writeLoop()
	return s, nil
}

// State returns the current session state
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// advance moves the state forward; backward transitions are ignored
func (s *Session) advance(to State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if to > s.state {
		s.state = to
	}
}

// Enqueue appends a frame to the outbound queue. Safe for multiple
// producers; ordering is preserved per producer.
func (s *Session) Enqueue(frame []byte) {
	s.outMu.Lock()
	s.outbound = append(s.outbound, frame)
	s.outMu.Unlock()
}

// readLoop blocks on the socket and feeds the inbound queue. Each completed
// receive doubles as the readiness signal for the next frame. Any read
// error marks the session for closure.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.inbound)

	logger := log.WithComponent("session")
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() < StateMustClose {
				logger.Warn().Err(err).Msg("session read failed, marking for closure")
			}
			s.advance(StateMustClose)
			return
		}

		select {
		case s.inbound <- payload:
		default:
			metrics.SessionInboundDroppedTotal.Inc()
			logger.Debug().Msg("inbound queue full, frame dropped")
		}
	}
}

// handleLoop dispatches inbound frames in arrival order
func (s *Session) handleLoop() {
	defer s.wg.Done()

	for payload := range s.inbound {
		s.Enqueue(s.dispatcher.Handle(payload))
	}
}

// writeLoop drains the outbound queue. It exits only once the session is
// marked for closure and the queue is empty, so responses to already
// handled requests still flush.
func (s *Session) writeLoop() {
	defer s.wg.Done()

	logger := log.WithComponent("session")
	for {
		frame, ok := s.dequeue()
		if !ok {
			if s.State() >= StateMustClose {
				return
			}
			time.Sleep(writerIdleSleep)
			continue
		}

		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			// The reader path governs session health
			logger.Warn().Err(err).Msg("session write failed")
		}
	}
}

func (s *Session) dequeue() ([]byte, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if len(s.outbound) == 0 {
		return nil, false
	}
	frame := s.outbound[0]
	s.outbound = s.outbound[1:]
	return frame, true
}

// Close tears the session down and joins all three goroutines
func (s *Session) Close() {
	s.advance(StateMustClose)
	s.conn.Close()
	s.wg.Wait()
	s.advance(StateClosed)
}
