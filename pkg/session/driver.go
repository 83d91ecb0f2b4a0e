package session

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sashimono/agent/pkg/api"
	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/metrics"
)

const (
	dialTimeout = 30 * time.Second

	// reconnect backoff bounds
	minBackoff = 2 * time.Second
	maxBackoff = 60 * time.Second

	// pollInterval is how often the driver checks session health
	pollInterval = 100 * time.Millisecond
)

// Driver keeps exactly one session alive against the configured controller:
// dial, run until the session marks itself must_close, close, back off,
// redial.
type Driver struct {
	host       string
	port       uint16
	dispatcher *api.Dispatcher

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDriver builds a reconnect driver for host:port
func NewDriver(host string, port uint16, dispatcher *api.Dispatcher) *Driver {
	return &Driver{
		host:       host,
		port:       port,
		dispatcher: dispatcher,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the reconnect loop
func (d *Driver) Start() {
	go d.run()
}

// Stop shuts the current session down and waits for the loop to exit
func (d *Driver) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Driver) run() {
	defer close(d.doneCh)

	logger := log.WithComponent("session")
	backoff := minBackoff
	first := true

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		// The first dial is not a reconnect
		if !first {
			metrics.SessionReconnectsTotal.Inc()
		}
		first = false

		sess, err := d.connect()
		if err != nil {
			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("controller connection failed")
			if !d.sleep(backoff) {
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		logger.Info().Str("host", d.host).Uint16("port", d.port).Msg("controller session established")
		backoff = minBackoff

		d.watch(sess)
		sess.Close()

		select {
		case <-d.stopCh:
			return
		default:
			logger.Info().Msg("controller session closed, reconnecting")
		}
	}
}

// connect dials the controller and wraps the connection in a session
func (d *Driver) connect() (*Session, error) {
	u := url.URL{Scheme: "wss", Host: fmt.Sprintf("%s:%d", d.host, d.port)}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}

	return NewSession(conn, d.dispatcher)
}

// watch blocks until the session needs closing or the driver is stopped
func (d *Driver) watch(sess *Session) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if sess.State() >= StateMustClose {
				return
			}
		}
	}
}

// sleep waits for du unless the driver is stopped first
func (d *Driver) sleep(du time.Duration) bool {
	select {
	case <-d.stopCh:
		return false
	case <-time.After(du):
		return true
	}
}
