package message

import (
	"fmt"

	"github.com/sashimono/agent/pkg/types"
)

// ConfigOverrides is the sparse hp.cfg overlay carried by an initiate
// request. Absent fields leave the existing config unchanged.
type ConfigOverrides struct {
	Contract *ContractOverrides `json:"contract,omitempty"`
	Node     *NodeOverrides     `json:"node,omitempty"`
	Mesh     *MeshOverrides     `json:"mesh,omitempty"`
	User     *UserOverrides     `json:"user,omitempty"`
	Hpfs     *HpfsOverrides     `json:"hpfs,omitempty"`
	Log      *LogOverrides      `json:"log,omitempty"`
}

// ContractOverrides patches contract-level settings
type ContractOverrides struct {
	Unl       []string            `json:"unl,omitempty" validate:"omitempty,dive,len=66,startswith=ed"`
	Consensus *ConsensusOverrides `json:"consensus,omitempty"`
}

// ConsensusOverrides patches the consensus timing block
type ConsensusOverrides struct {
	Roundtime  *uint32 `json:"roundtime,omitempty"`
	StageSlice *uint32 `json:"stage_slice,omitempty"`
}

// NodeOverrides patches node identity and history retention
type NodeOverrides struct {
	History       *string                 `json:"history,omitempty" validate:"omitempty,oneof=full custom"`
	Role          *string                 `json:"role,omitempty" validate:"omitempty,oneof=observer validator"`
	HistoryConfig *HistoryConfigOverrides `json:"history_config,omitempty"`
}

// HistoryConfigOverrides patches shard retention counts
type HistoryConfigOverrides struct {
	MaxPrimaryShards *uint64 `json:"max_primary_shards,omitempty"`
	MaxRawShards     *uint64 `json:"max_raw_shards,omitempty"`
}

// MeshOverrides patches peer mesh settings (ports stay agent-assigned)
type MeshOverrides struct {
	KnownPeers    []string `json:"known_peers,omitempty"`
	MsgForwarding *bool    `json:"msg_forwarding,omitempty"`
}

// UserOverrides patches the user websocket limits
type UserOverrides struct {
	MaxBytesPerMsg         *uint64 `json:"max_bytes_per_msg,omitempty"`
	ConcurrentReadRequests *uint32 `json:"concurrent_read_requests,omitempty"`
}

// HpfsOverrides patches the filesystem service block
type HpfsOverrides struct {
	Log *HpfsLogOverrides `json:"log,omitempty"`
}

// HpfsLogOverrides patches hpfs logging
type HpfsLogOverrides struct {
	LogLevel *string `json:"log_level,omitempty" validate:"omitempty,oneof=dbg inf wrn err"`
}

// LogOverrides patches contract logging
type LogOverrides struct {
	LogLevel         *string `json:"log_level,omitempty" validate:"omitempty,oneof=dbg inf wrn err"`
	MaxMbytesPerFile *uint32 `json:"max_mbytes_per_file,omitempty"`
	MaxFileCount     *uint32 `json:"max_file_count,omitempty"`
}

// Validate enforces the cross-field rules plain tags cannot express
func (c *ConfigOverrides) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Node != nil && c.Node.History != nil && *c.Node.History == string(types.HistoryCustom) {
		if c.Node.HistoryConfig != nil && c.Node.HistoryConfig.MaxPrimaryShards != nil &&
			*c.Node.HistoryConfig.MaxPrimaryShards == 0 {
			return fmt.Errorf("custom history requires max_primary_shards > 0")
		}
	}
	return nil
}

// History reports the requested history mode, defaulting to full
func (c *ConfigOverrides) History() types.HistoryMode {
	if c.Node != nil && c.Node.History != nil {
		return types.HistoryMode(*c.Node.History)
	}
	return types.HistoryFull
}

// HpfsLogLevel reports the requested hpfs log level, defaulting to err
func (c *ConfigOverrides) HpfsLogLevel() string {
	if c.Hpfs != nil && c.Hpfs.Log != nil && c.Hpfs.Log.LogLevel != nil {
		return *c.Hpfs.Log.LogLevel
	}
	return "err"
}

// Overlay converts the overrides into the sparse JSON document applied to
// hp.cfg. Only fields that were present survive into the overlay.
func (c *ConfigOverrides) Overlay() map[string]interface{} {
	doc := map[string]interface{}{}

	if c.Contract != nil {
		contract := map[string]interface{}{}
		if c.Contract.Unl != nil {
			unl := make([]interface{}, 0, len(c.Contract.Unl))
			for _, k := range c.Contract.Unl {
				unl = append(unl, k)
			}
			contract["unl"] = unl
		}
		if c.Contract.Consensus != nil {
			consensus := map[string]interface{}{}
			putIfSet(consensus, "roundtime", c.Contract.Consensus.Roundtime)
			putIfSet(consensus, "stage_slice", c.Contract.Consensus.StageSlice)
			if len(consensus) > 0 {
				contract["consensus"] = consensus
			}
		}
		if len(contract) > 0 {
			doc["contract"] = contract
		}
	}

	if c.Node != nil {
		node := map[string]interface{}{}
		putIfSet(node, "history", c.Node.History)
		putIfSet(node, "role", c.Node.Role)
		if c.Node.HistoryConfig != nil {
			hist := map[string]interface{}{}
			putIfSet(hist, "max_primary_shards", c.Node.HistoryConfig.MaxPrimaryShards)
			putIfSet(hist, "max_raw_shards", c.Node.HistoryConfig.MaxRawShards)
			if len(hist) > 0 {
				node["history_config"] = hist
			}
		}
		if len(node) > 0 {
			doc["node"] = node
		}
	}

	if c.Mesh != nil {
		mesh := map[string]interface{}{}
		if c.Mesh.KnownPeers != nil {
			peers := make([]interface{}, 0, len(c.Mesh.KnownPeers))
			for _, p := range c.Mesh.KnownPeers {
				peers = append(peers, p)
			}
			mesh["known_peers"] = peers
		}
		putIfSet(mesh, "msg_forwarding", c.Mesh.MsgForwarding)
		if len(mesh) > 0 {
			doc["mesh"] = mesh
		}
	}

	if c.User != nil {
		user := map[string]interface{}{}
		putIfSet(user, "max_bytes_per_msg", c.User.MaxBytesPerMsg)
		putIfSet(user, "concurrent_read_requests", c.User.ConcurrentReadRequests)
		if len(user) > 0 {
			doc["user"] = user
		}
	}

	if c.Hpfs != nil && c.Hpfs.Log != nil {
		hpfsLog := map[string]interface{}{}
		putIfSet(hpfsLog, "log_level", c.Hpfs.Log.LogLevel)
		if len(hpfsLog) > 0 {
			doc["hpfs"] = map[string]interface{}{"log": hpfsLog}
		}
	}

	if c.Log != nil {
		logDoc := map[string]interface{}{}
		putIfSet(logDoc, "log_level", c.Log.LogLevel)
		putIfSet(logDoc, "max_mbytes_per_file", c.Log.MaxMbytesPerFile)
		putIfSet(logDoc, "max_file_count", c.Log.MaxFileCount)
		if len(logDoc) > 0 {
			doc["log"] = logDoc
		}
	}

	return doc
}

func putIfSet[T any](doc map[string]interface{}, key string, v *T) {
	if v != nil {
		doc[key] = *v
	}
}
