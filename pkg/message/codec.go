package message

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/sashimono/agent/pkg/types"
)

// Request type discriminators accepted on both control channels
const (
	TypeCreate   = "create"
	TypeInitiate = "initiate"
	TypeDestroy  = "destroy"
	TypeStart    = "start"
	TypeStop     = "stop"
	TypeList     = "list"
	TypeInspect  = "inspect"
	TypeLease    = "lease"
)

var validate = validator.New()

// Request is implemented by every parsed control request
type Request interface {
	RequestType() string
}

// CreateRequest provisions a new instance
type CreateRequest struct {
	Type        string `json:"type"`
	OwnerPubkey string `json:"owner_pubkey" validate:"required"`
	ContractID  string `json:"contract_id" validate:"required"`
	Image       string `json:"image" validate:"required"`
}

func (r *CreateRequest) RequestType() string { return TypeCreate }

// InitiateRequest patches config and starts a created instance
type InitiateRequest struct {
	Type          string          `json:"type"`
	ContainerName string          `json:"container_name" validate:"required,uuid4"`
	Config        ConfigOverrides `json:"config"`
}

func (r *InitiateRequest) RequestType() string { return TypeInitiate }

// NamedRequest covers destroy/start/stop/inspect, which only carry a name
type NamedRequest struct {
	Type          string `json:"type"`
	ContainerName string `json:"container_name" validate:"required"`
}

func (r *NamedRequest) RequestType() string { return r.Type }

// ListRequest asks for summaries of every instance
type ListRequest struct {
	Type string `json:"type"`
}

func (r *ListRequest) RequestType() string { return TypeList }

// LeaseRequest records external lease metadata for a container. Emitted by
// the cluster controller over the remote session only.
type LeaseRequest struct {
	Type             string `json:"type"`
	ContainerName    string `json:"container_name" validate:"required"`
	Tenant           string `json:"tenant" validate:"required"`
	CreatedTimestamp int64  `json:"created_timestamp" validate:"required"`
	CreatedLedger    int64  `json:"created_ledger"`
	ExpiryTimestamp  int64  `json:"expiry_timestamp"`
	Moments          int64  `json:"moments"`
}

func (r *LeaseRequest) RequestType() string { return TypeLease }

// ParseRequest decodes and validates a control message. Unknown types and
// malformed or invalid fields are rejected.
func ParseRequest(raw []byte) (Request, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	var req Request
	switch env.Type {
	case TypeCreate:
		req = &CreateRequest{}
	case TypeInitiate:
		req = &InitiateRequest{}
	case TypeDestroy, TypeStart, TypeStop, TypeInspect:
		req = &NamedRequest{}
	case TypeList:
		req = &ListRequest{}
	case TypeLease:
		req = &LeaseRequest{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(raw, req); err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", env.Type, err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", env.Type, err)
	}

	if ir, ok := req.(*InitiateRequest); ok {
		if err := ir.Config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid initiate config: %w", err)
		}
	}

	return req, nil
}

// CreateResult is the payload of a create_res
type CreateResult struct {
	Name       string `json:"name"`
	IP         string `json:"ip"`
	Pubkey     string `json:"pubkey"`
	ContractID string `json:"contract_id"`
	PeerPort   uint16 `json:"peer_port"`
	UserPort   uint16 `json:"user_port"`
}

// Response is a typed control response ready for serialization
type Response struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content"`
}

// Build serializes a response to its wire form
func (r Response) Build() ([]byte, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s response: %w", r.Type, err)
	}
	return out, nil
}

// CreateResponse builds a create_res
func CreateResponse(res CreateResult) Response {
	return Response{Type: "create_res", Content: res}
}

// AckResponse builds a "<request>_res" with a human message
func AckResponse(reqType, msg string) Response {
	return Response{Type: reqType + "_res", Content: msg}
}

// ListResponse builds a list_res carrying instance summaries
func ListResponse(summaries []types.InstanceSummary) Response {
	if summaries == nil {
		summaries = []types.InstanceSummary{}
	}
	return Response{Type: "list_res", Content: summaries}
}

// InspectResponse builds an inspect_res for one instance
func InspectResponse(summary types.InstanceSummary) Response {
	return Response{Type: "inspect_res", Content: summary}
}

// ErrorResponse builds the failure variant for a request type. Create and
// inspect carry their own error types; everything else uses "error".
func ErrorResponse(reqType, reason string) Response {
	errType := "error"
	switch reqType {
	case TypeCreate:
		errType = "create_error"
	case TypeInspect:
		errType = "inspect_error"
	}
	return Response{Type: errType, Content: reason}
}

// InitMessage is the unsolicited greeting sent when a remote session opens
func InitMessage() Response {
	return Response{Type: "init", Content: "Connection initiated."}
}
