package supervisor

import (
	"time"

	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/manager"
	"github.com/sashimono/agent/pkg/metrics"
	"github.com/sashimono/agent/pkg/storage"
)

// scanInterval is deliberately coarse: the runtime's unless-stopped policy
// covers fast restarts, the supervisor is the last line when the runtime
// itself gave up.
const scanInterval = 60 * time.Second

// Supervisor periodically scans running-marked instances and restarts
// containers the runtime reports as down, marking them exited when the
// restart fails.
type Supervisor struct {
	store  storage.Store
	mgr    *manager.InstanceManager
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSupervisor creates a supervisor over the store and manager
func NewSupervisor(store storage.Store, mgr *manager.InstanceManager) *Supervisor {
	return &Supervisor{
		store:  store,
		mgr:    mgr,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the supervision loop
func (s *Supervisor) Start() {
	go s.run()
}

// Stop halts the loop and waits for the in-flight cycle to finish
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	logger := log.WithComponent("supervisor")
	for {
		select {
		case <-ticker.C:
			s.scan()
			metrics.SupervisorCyclesTotal.Inc()
		case <-s.stopCh:
			logger.Debug().Msg("supervisor stopping")
			return
		}
	}
}

// scan checks every running-marked instance once
func (s *Supervisor) scan() {
	logger := log.WithComponent("supervisor")

	running, err := s.store.RunningInstances()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list running instances")
		return
	}

	for _, ri := range running {
		select {
		case <-s.stopCh:
			return
		default:
		}

		restarted, err := s.mgr.Revive(ri.Username, ri.Name)
		if err != nil {
			// Never user-visible: the record is marked exited and the
			// operator recovers with an explicit start.
			metrics.SupervisorRestartsTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Str("instance", ri.Name).Msg("restart failed, instance marked exited")
			continue
		}
		if restarted {
			metrics.SupervisorRestartsTotal.WithLabelValues("ok").Inc()
			logger.Warn().Str("instance", ri.Name).Msg("container was down, restarted")
		}
	}
}
