package events

import (
	"path"

	"github.com/snopsgo/snops/pkg/ids"
)

// filterKind discriminates Filter's variants, mirroring the
// agentstate package's tagged-struct-with-Kind idiom used throughout
// this module for sum types.
type filterKind int

const (
	filterUnfiltered filterKind = iota
	filterAllOf
	filterAnyOf
	filterOneOf
	filterNot
	filterAgentIs
	filterEnvIs
	filterCannonIs
	filterTransactionIs
	filterEventIs
	filterNodeKeyIs
	filterNodeTargetIs
)

// Filter is a compositional predicate tree over Events:
//
//	Filter := Unfiltered | AllOf([F]) | AnyOf([F]) | OneOf([F]) | Not(F)
//	       | AgentIs(id) | EnvIs(id) | CannonIs(id) | TransactionIs(str)
//	       | EventIs(kind) | NodeKeyIs(k) | NodeTargetIs(pattern)
//
// Construct via the package-level constructors below rather than
// struct literals.
type Filter struct {
	kind     filterKind
	children []Filter

	agent       ids.AgentID
	env         ids.EnvID
	cannon      ids.CannonID
	transaction string
	eventKind   Kind
	nodeKey     ids.NodeKey
	targetType  ids.NodeType
	targetGlob  string
	targetNS    string
}

func Unfiltered() Filter                { return Filter{kind: filterUnfiltered} }
func AllOf(fs ...Filter) Filter          { return Filter{kind: filterAllOf, children: fs} }
func AnyOf(fs ...Filter) Filter          { return Filter{kind: filterAnyOf, children: fs} }
func OneOf(fs ...Filter) Filter          { return Filter{kind: filterOneOf, children: fs} }
func Not(f Filter) Filter                { return Filter{kind: filterNot, children: []Filter{f}} }
func AgentIs(id ids.AgentID) Filter       { return Filter{kind: filterAgentIs, agent: id} }
func EnvIs(id ids.EnvID) Filter           { return Filter{kind: filterEnvIs, env: id} }
func CannonIs(id ids.CannonID) Filter     { return Filter{kind: filterCannonIs, cannon: id} }
func TransactionIs(tx string) Filter      { return Filter{kind: filterTransactionIs, transaction: tx} }
func EventIs(k Kind) Filter               { return Filter{kind: filterEventIs, eventKind: k} }
func NodeKeyIs(k ids.NodeKey) Filter      { return Filter{kind: filterNodeKeyIs, nodeKey: k} }

// NodeTargetIs matches events whose NodeKey satisfies the given
// {type, id-glob, namespace?} pattern, the same shape pkg/env uses for
// peers/validators resolution.
func NodeTargetIs(t ids.NodeType, idGlob, namespace string) Filter {
	return Filter{kind: filterNodeTargetIs, targetType: t, targetGlob: idGlob, targetNS: namespace}
}

// Match reports whether e satisfies f.
func (f Filter) Match(e Event) bool {
	switch f.kind {
	case filterUnfiltered:
		return true
	case filterAllOf:
		for _, c := range f.children {
			if !c.Match(e) {
				return false
			}
		}
		return true
	case filterAnyOf:
		for _, c := range f.children {
			if c.Match(e) {
				return true
			}
		}
		return false
	case filterOneOf:
		n := 0
		for _, c := range f.children {
			if c.Match(e) {
				n++
			}
		}
		return n == 1
	case filterNot:
		return !f.children[0].Match(e)
	case filterAgentIs:
		return e.Agent == f.agent
	case filterEnvIs:
		return e.Env == f.env
	case filterCannonIs:
		return e.Cannon == f.cannon
	case filterTransactionIs:
		return e.Transaction == f.transaction
	case filterEventIs:
		return e.Kind == f.eventKind
	case filterNodeKeyIs:
		return e.NodeKey != nil && *e.NodeKey == f.nodeKey
	case filterNodeTargetIs:
		if e.NodeKey == nil || e.NodeKey.Type != f.targetType {
			return false
		}
		if f.targetNS != "" && e.NodeKey.Namespace != f.targetNS {
			return false
		}
		matched, _ := path.Match(f.targetGlob, e.NodeKey.ID)
		return matched
	default:
		return false
	}
}
