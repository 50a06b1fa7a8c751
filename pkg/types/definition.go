// Package types provides shared types for the docflow execution engine.
package types

import "time"

// NodeKind categorizes what a node does. The engine never interprets a
// node's config itself; it dispatches to the executor registered for the kind.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindAction    NodeKind = "action"
	NodeKindBranch    NodeKind = "branch"
	NodeKindApproval  NodeKind = "approval"
	NodeKindSignature NodeKind = "signature"
)

// Phase names a section of a running execution. Phases are informational
// timing buckets, not states: the engine only blocks on one when a caller
// asks for a partial run bounded at a phase.
type Phase string

const (
	PhasePreflight Phase = "preflight"
	PhaseTrigger   Phase = "trigger"
	PhaseRender    Phase = "render"
	PhaseSave      Phase = "save"
	PhaseDelivery  Phase = "delivery"
	PhaseSignature Phase = "signature"
)

// phaseOrder fixes the sequence phases occur in within a run.
var phaseOrder = map[Phase]int{
	PhasePreflight: 0,
	PhaseTrigger:   1,
	PhaseRender:    2,
	PhaseSave:      3,
	PhaseDelivery:  4,
	PhaseSignature: 5,
}

// PhaseAfter reports whether p comes after limit in the run sequence.
// Unknown phases sort last so they are always cut off by a phase bound.
func PhaseAfter(p, limit Phase) bool {
	po, ok := phaseOrder[p]
	if !ok {
		return true
	}
	lo, ok := phaseOrder[limit]
	if !ok {
		return false
	}
	return po > lo
}

// PredicateOp is a comparison operator usable in branch predicates.
type PredicateOp string

const (
	OpEq          PredicateOp = "=="
	OpNeq         PredicateOp = "!="
	OpGt          PredicateOp = ">"
	OpLt          PredicateOp = "<"
	OpGte         PredicateOp = ">="
	OpLte         PredicateOp = "<="
	OpContains    PredicateOp = "contains"
	OpNotContains PredicateOp = "not_contains"
	OpStartsWith  PredicateOp = "starts_with"
	OpEndsWith    PredicateOp = "ends_with"
	OpIsEmpty     PredicateOp = "is_empty"
	OpIsNotEmpty  PredicateOp = "is_not_empty"
)

// Predicate is a single structured comparison over the resolved context.
// Field is a dotted path (e.g. "trigger.deal.amount" or "outputs.render.url").
type Predicate struct {
	Field string      `json:"field"`
	Op    PredicateOp `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// BranchRule pairs a predicate with the node to jump to when it holds.
// Either When (structured) or Expr (free-form expression) is set, not both.
type BranchRule struct {
	When *Predicate `json:"when,omitempty"`
	Expr string     `json:"expr,omitempty"`
	Next string     `json:"next"`
}

// Node is a single step in a pipeline definition.
type Node struct {
	ID     string                 `json:"id"`
	Kind   NodeKind               `json:"kind"`
	Name   string                 `json:"name,omitempty"`
	Phase  Phase                  `json:"phase,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`

	// Next names the linear successor. Empty means the pipeline ends after
	// this node. Ignored for branch nodes.
	Next string `json:"next,omitempty"`

	// Branches and DefaultNext apply only to branch nodes. Rules evaluate in
	// order; the first match wins. With no match and no default the
	// execution fails hard.
	Branches    []BranchRule `json:"branches,omitempty"`
	DefaultNext string       `json:"default_next,omitempty"`

	// Pause behavior for approval/signature nodes.
	ExpiresIn           time.Duration `json:"expires_in,omitempty"`
	AutoResolveOnExpiry bool          `json:"auto_resolve_on_expiry,omitempty"`

	// Retry/timeout overrides for this node's executor call.
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
}

// PipelineDefinition is the static, ordered graph of nodes a user configures.
// It is read-only to the engine and shared across executions.
type PipelineDefinition struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Version        int               `json:"version,omitempty"`
	Nodes          []Node            `json:"nodes"`
	Entry          string            `json:"entry,omitempty"` // defaults to first node
	RequiredFields []string          `json:"required_fields,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NodeByID returns the node with the given id, or nil.
func (d *PipelineDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// EntryNode returns the first node to dispatch.
func (d *PipelineDefinition) EntryNode() *Node {
	if d.Entry != "" {
		return d.NodeByID(d.Entry)
	}
	if len(d.Nodes) == 0 {
		return nil
	}
	return &d.Nodes[0]
}

// Successor returns the id of the node following n, ignoring branch rules.
// For the last node it returns "".
func (d *PipelineDefinition) Successor(n *Node) string {
	if n.Next != "" {
		return n.Next
	}
	for i := range d.Nodes {
		if d.Nodes[i].ID == n.ID {
			if i+1 < len(d.Nodes) {
				return d.Nodes[i+1].ID
			}
			return ""
		}
	}
	return ""
}
