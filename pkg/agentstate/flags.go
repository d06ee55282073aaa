package agentstate

import (
	"encoding/json"
	"sort"

	"github.com/snopsgo/snops/pkg/ids"
)

// Mode is the agent's primary capability.
type Mode string

const (
	ModeValidator Mode = "validator"
	ModeProver    Mode = "prover"
	ModeClient    Mode = "client"
	ModeCompute   Mode = "compute"
)

// CompatibleWithNodeType reports whether an agent in this mode may be
// bound to a NodeKey of the given type. Compute agents never bind to a
// NodeKey; they are claimed directly by cannons.
func (m Mode) CompatibleWithNodeType(t ids.NodeType) bool {
	switch t {
	case ids.NodeTypeValidator:
		return m == ModeValidator
	case ids.NodeTypeProver:
		return m == ModeProver
	case ids.NodeTypeClient:
		return m == ModeClient
	default:
		return false
	}
}

// Flags is the set of agent properties reported/negotiated at handshake
// time that the compiler and registry use for matching and authorization.
type Flags struct {
	Mode    Mode
	LocalPK bool
	Labels  ids.LabelSet
}

// IsComputeEligible reports whether this agent may be claimed by
// claim_compute. Derived from Mode rather than stored separately so
// there is exactly one source of truth for compute eligibility.
func (f Flags) IsComputeEligible() bool {
	return f.Mode == ModeCompute
}

// flagsWire is the on-the-wire/on-disk shape of Flags: labels travel as a
// sorted string slice rather than the runtime LabelSet map.
type flagsWire struct {
	Mode    Mode     `json:"mode"`
	LocalPK bool     `json:"local_pk"`
	Labels  []string `json:"labels"`
}

// MarshalJSON implements json.Marshaler.
func (f Flags) MarshalJSON() ([]byte, error) {
	labels := make([]string, 0, len(f.Labels))
	for l := range f.Labels {
		labels = append(labels, string(l))
	}
	sort.Strings(labels)
	return json.Marshal(flagsWire{Mode: f.Mode, LocalPK: f.LocalPK, Labels: labels})
}

// UnmarshalJSON implements json.Unmarshaler, interning labels fresh.
func (f *Flags) UnmarshalJSON(data []byte) error {
	var w flagsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	set := make(ids.LabelSet, len(w.Labels))
	for _, l := range w.Labels {
		set[ids.LabelID(l)] = struct{}{}
	}
	f.Mode = w.Mode
	f.LocalPK = w.LocalPK
	f.Labels = set
	return nil
}
