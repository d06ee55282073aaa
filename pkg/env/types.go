// Package env implements the environment compiler: resolves
// declarative storage/nodes/cannon documents into concrete agent
// bindings, peer/validator references, and a compiled Environment.
package env

import (
	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
)

// CheckpointMeta identifies one ledger checkpoint an agent may need to
// download before its node can start.
type CheckpointMeta struct {
	Height    uint64 `yaml:"height" json:"height"`
	Timestamp int64  `yaml:"timestamp" json:"timestamp"`
	Hash      string `yaml:"hash" json:"hash"`
}

// BinaryEntry describes one downloadable node binary within a storage
// descriptor.
type BinaryEntry struct {
	URL      string `yaml:"url" json:"url"`
	SHA256   string `yaml:"sha256" json:"sha256"`
}

// StorageDocument is the `type: storage` declarative document.
type StorageDocument struct {
	Type            string                        `yaml:"type"`
	Version         uint16                        `yaml:"version"`
	ID              ids.StorageID                 `yaml:"id"`
	Network         ids.NetworkID                 `yaml:"network"`
	RetentionPolicy string                        `yaml:"retention_policy,omitempty"`
	Checkpoints     []CheckpointMeta              `yaml:"checkpoints,omitempty"`
	Persist         bool                          `yaml:"persist"`
	NativeGenesis   bool                          `yaml:"native_genesis"`
	Binaries        map[ids.BinaryID]BinaryEntry `yaml:"binaries"`
}

// NodeTarget is a pattern matching `{type, id-glob, namespace?}` used
// to reference a set of NodeKeys from a peers/validators list.
type NodeTarget struct {
	Type      ids.NodeType `yaml:"type" json:"type"`
	IDGlob    string       `yaml:"id" json:"id"`
	Namespace string       `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// NodeSpec is one entry in a NodesDocument, before replica expansion.
type NodeSpec struct {
	Type          ids.NodeType      `yaml:"type"`
	ID            string            `yaml:"id"`
	Namespace     string            `yaml:"namespace,omitempty"`
	Replicas      int               `yaml:"replicas,omitempty"` // 0 or 1 means a single node
	Labels        []string          `yaml:"labels,omitempty"`

	// ExternalAddr declares this node as externally operated at a known
	// address instead of bound to an agent; such a node is never
	// replicated or matched against the agent pool.
	ExternalAddr  string            `yaml:"external,omitempty"`
	PrivateKey    agentstate.PrivateKey `yaml:"private_key,omitempty"`
	HeightRequest *uint64           `yaml:"height_request,omitempty"`
	Online        bool              `yaml:"online"`
	Peers         []NodeTarget      `yaml:"peers,omitempty"`
	Validators    []NodeTarget      `yaml:"validators,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
}

// NodesDocument is the `type: nodes` declarative document.
type NodesDocument struct {
	Type  string     `yaml:"type"`
	Version uint16   `yaml:"version"`
	Nodes []NodeSpec `yaml:"nodes"`
}

// TxSourceKind / TxSinkKind discriminate a CannonDocument's source and
// sink variants. Defined here (rather than in
// pkg/cannon) so both pkg/env's document parser and pkg/cannon's
// pipeline share one document shape without an import cycle.
type TxSourceKind string

const (
	SourceDrain    TxSourceKind = "drain"
	SourceRealtime TxSourceKind = "realtime"
)

type TxSinkKind string

const (
	SinkFile  TxSinkKind = "file"
	SinkNodes TxSinkKind = "nodes"
)

// TxSource is the tagged Drain(path) | Realtime(private_keys, queries)
// source variant.
type TxSource struct {
	Kind TxSourceKind `yaml:"kind" json:"kind"`

	// Drain
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Realtime
	PrivateKeys []string `yaml:"private_keys,omitempty" json:"private_keys,omitempty"`
	Queries     []string `yaml:"queries,omitempty" json:"queries,omitempty"`
}

// TxSink is the tagged File(path) | Nodes(targets) sink variant.
type TxSink struct {
	Kind TxSinkKind `yaml:"kind" json:"kind"`

	// File
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Nodes
	Targets []NodeTarget `yaml:"targets,omitempty" json:"targets,omitempty"`
}

// CannonDocument is the `type: cannon` declarative document.
type CannonDocument struct {
	Type             string   `yaml:"type"`
	Version          uint16   `yaml:"version"`
	ID               ids.CannonID `yaml:"id"`
	Source           TxSource `yaml:"source"`
	Sink             TxSink   `yaml:"sink"`
	BroadcastAttempts *int    `yaml:"broadcast_attempts,omitempty"` // nil = retry forever, 0 = no retry
	BroadcastTimeoutSeconds int `yaml:"broadcast_timeout"`
	AuthorizeAttempts *int    `yaml:"authorize_attempts,omitempty"`
	AuthorizeTimeoutSeconds int `yaml:"authorize_timeout"`
	Instance         bool     `yaml:"instance"`
	Count            *int     `yaml:"count,omitempty"`
}

// EnvNodeStateKind discriminates a bound (Internal) node from one that
// refers to an already-known external address.
type EnvNodeStateKind string

const (
	EnvNodeInternal EnvNodeStateKind = "internal"
	EnvNodeExternal EnvNodeStateKind = "external"
)

// EnvNodeState records how one NodeKey within an environment is
// realized: bound to an agent, or external with a known address.
type EnvNodeState struct {
	Kind      EnvNodeStateKind `json:"kind"`
	Agent     ids.AgentID      `json:"agent,omitempty"`
	KnownAddr string           `json:"known_addr,omitempty"`
}

// Environment is the compiled result of applying a document set.
type Environment struct {
	ID         ids.EnvID
	Storage    ids.StorageID
	Network    ids.NetworkID
	NodeStates map[ids.NodeKey]EnvNodeState
	Cannons    map[ids.CannonID]struct{} // attached cannon handles, tracked by pkg/cannon
	Persist    bool

	// specs retains the NodeSpec each NodeKey expanded from, needed to
	// recompute peers/validators on a patch without re-parsing the
	// original documents.
	specs map[ids.NodeKey]NodeSpec
}

// Specs exposes the NodeKey->NodeSpec expansion backing this
// environment, needed by callers that persist an Environment across a
// restart (pkg/control's PersistEnv) and must round-trip it through
// Restored.
func (e *Environment) Specs() map[ids.NodeKey]NodeSpec { return e.specs }
