package api

import (
	"errors"
	"time"

	"github.com/sashimono/agent/pkg/lease"
	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/manager"
	"github.com/sashimono/agent/pkg/message"
	"github.com/sashimono/agent/pkg/metrics"
	"github.com/sashimono/agent/pkg/types"
)

// Dispatcher turns raw control messages into manager calls and wire
// responses. Both the local socket and the remote session feed it; the
// manager itself serializes transitions.
type Dispatcher struct {
	mgr    *manager.InstanceManager
	leases *lease.Registry
}

// NewDispatcher builds the shared request handler. The lease registry may be
// nil when lease annotations are disabled.
func NewDispatcher(mgr *manager.InstanceManager, leases *lease.Registry) *Dispatcher {
	return &Dispatcher{mgr: mgr, leases: leases}
}

// Handle processes one control message and always produces a response frame
func (d *Dispatcher) Handle(raw []byte) []byte {
	req, err := message.ParseRequest(raw)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("unknown", "error").Inc()
		return mustBuild(message.ErrorResponse("", err.Error()))
	}

	reqType := req.RequestType()
	start := time.Now()
	resp := d.dispatch(req)
	metrics.RequestDuration.WithLabelValues(reqType).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if resp.Type == "error" || resp.Type == "create_error" || resp.Type == "inspect_error" {
		outcome = "error"
	}
	metrics.RequestsTotal.WithLabelValues(reqType, outcome).Inc()

	return mustBuild(resp)
}

func (d *Dispatcher) dispatch(req message.Request) message.Response {
	switch r := req.(type) {
	case *message.CreateRequest:
		return d.create(r)
	case *message.InitiateRequest:
		return d.initiate(r)
	case *message.NamedRequest:
		return d.named(r)
	case *message.ListRequest:
		return d.list()
	case *message.LeaseRequest:
		return d.lease(r)
	default:
		return message.ErrorResponse("", "unhandled request")
	}
}

func (d *Dispatcher) create(r *message.CreateRequest) message.Response {
	inst, err := d.mgr.Create(r.OwnerPubkey, r.ContractID, r.Image)
	if err != nil {
		return message.ErrorResponse(message.TypeCreate, reason(err))
	}
	return message.CreateResponse(message.CreateResult{
		Name:       inst.Name,
		IP:         inst.IP,
		Pubkey:     inst.Pubkey,
		ContractID: inst.ContractID,
		PeerPort:   inst.PeerPort,
		UserPort:   inst.UserPort,
	})
}

func (d *Dispatcher) initiate(r *message.InitiateRequest) message.Response {
	if err := d.mgr.Initiate(r.ContainerName, r.Config.Overlay()); err != nil {
		return message.ErrorResponse(message.TypeInitiate, reason(err))
	}
	return message.AckResponse(message.TypeInitiate, "Initiated")
}

func (d *Dispatcher) named(r *message.NamedRequest) message.Response {
	switch r.Type {
	case message.TypeStart:
		if err := d.mgr.Start(r.ContainerName); err != nil {
			return message.ErrorResponse(r.Type, reason(err))
		}
		return message.AckResponse(r.Type, "Started")
	case message.TypeStop:
		if err := d.mgr.Stop(r.ContainerName); err != nil {
			return message.ErrorResponse(r.Type, reason(err))
		}
		return message.AckResponse(r.Type, "Stopped")
	case message.TypeDestroy:
		if err := d.mgr.Destroy(r.ContainerName); err != nil {
			return message.ErrorResponse(r.Type, reason(err))
		}
		return message.AckResponse(r.Type, "Destroyed")
	case message.TypeInspect:
		inst, err := d.mgr.Get(r.ContainerName)
		if err != nil {
			return message.ErrorResponse(r.Type, reason(err))
		}
		return message.InspectResponse(d.summarize(inst))
	default:
		return message.ErrorResponse(r.Type, "unhandled request")
	}
}

func (d *Dispatcher) list() message.Response {
	instances, err := d.mgr.List()
	if err != nil {
		return message.ErrorResponse(message.TypeList, reason(err))
	}

	summaries := make([]types.InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, d.summarize(inst))
	}
	return message.ListResponse(summaries)
}

func (d *Dispatcher) lease(r *message.LeaseRequest) message.Response {
	if d.leases == nil {
		return message.ErrorResponse(message.TypeLease, "lease registry disabled")
	}
	err := d.leases.Put(&types.Lease{
		ContainerName:    r.ContainerName,
		Tenant:           r.Tenant,
		CreatedTimestamp: r.CreatedTimestamp,
		CreatedLedger:    r.CreatedLedger,
		ExpiryTimestamp:  r.ExpiryTimestamp,
	}, r.Moments)
	if err != nil {
		return message.ErrorResponse(message.TypeLease, reason(err))
	}
	return message.AckResponse(message.TypeLease, "Lease recorded")
}

// summarize projects a record into the list/inspect shape, annotated with
// lease metadata when a matching lease exists.
func (d *Dispatcher) summarize(inst *types.Instance) types.InstanceSummary {
	s := types.InstanceSummary{
		Name:       inst.Name,
		User:       inst.Username,
		Image:      inst.Image,
		ContractID: inst.ContractID,
		Status:     string(inst.Status),
		PeerPort:   inst.PeerPort,
		UserPort:   inst.UserPort,
	}

	if d.leases == nil {
		return s
	}
	l, err := d.leases.Get(inst.Name)
	if err != nil {
		log.WithInstance(inst.Name).Warn().Err(err).Msg("lease lookup failed")
		return s
	}
	if l != nil {
		s.CreatedTimestamp = &l.CreatedTimestamp
		s.CreatedLedger = &l.CreatedLedger
		s.ExpiryTimestamp = &l.ExpiryTimestamp
		s.Tenant = &l.Tenant
	}
	return s
}

// reason strips the sentinel prefixes that only exist for errors.Is checks
func reason(err error) string {
	if errors.Is(err, manager.ErrMaxInstances) {
		return manager.ErrMaxInstances.Error()
	}
	return err.Error()
}

func mustBuild(resp message.Response) []byte {
	out, err := resp.Build()
	if err != nil {
		// Responses only hold marshalable values; treat this as fatal
		log.Errorf("failed to serialize response", err)
		return []byte(`{"type":"error","content":"internal error"}`)
	}
	return out
}
