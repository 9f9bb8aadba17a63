package flow

import (
	"fmt"
)

type NodeType string

const (
	NodeTypeStartEvent  NodeType = "START_EVENT"
	NodeTypeEndEvent    NodeType = "END_EVENT"
	NodeTypeUserTask    NodeType = "USER_TASK"
	NodeTypeServiceTask NodeType = "SERVICE_TASK"
	NodeTypeGateway     NodeType = "GATEWAY"
	NodeTypeCatchEvent  NodeType = "CATCH_EVENT"
)

type GatewayKind string

const (
	GatewayKindExclusive GatewayKind = "EXCLUSIVE"
	GatewayKindParallel  GatewayKind = "PARALLEL"
	GatewayKindInclusive GatewayKind = "INCLUSIVE"
)

type EventKind string

const (
	EventKindMessage     EventKind = "MESSAGE"
	EventKindSignal      EventKind = "SIGNAL"
	EventKindTimer       EventKind = "TIMER"
	EventKindConditional EventKind = "CONDITIONAL"
)

// Node is a tagged variant: Type selects which of the per-kind field groups
// is meaningful. The zero value of all other groups is ignored.
type Node struct {
	Id   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Type NodeType `json:"type"`

	// user task
	Assignee        string   `json:"assignee,omitempty"`
	CandidateUsers  []string `json:"candidateUsers,omitempty"`
	CandidateGroups []string `json:"candidateGroups,omitempty"`

	// service task: either an embedded delegate (registered handler or inline
	// script) or a topic for external workers
	DelegateRef string `json:"delegateRef,omitempty"`
	Script      string `json:"script,omitempty"`
	TopicName   string `json:"topicName,omitempty"`

	// gateway
	GatewayKind   GatewayKind `json:"gatewayKind,omitempty"`
	DefaultFlowId string      `json:"defaultFlowId,omitempty"`

	// catch event; DefinitionRef carries the message/signal name or the
	// ISO-8601 timer duration
	EventKind     EventKind `json:"eventKind,omitempty"`
	DefinitionRef string    `json:"definitionRef,omitempty"`
}

// IsWaitState reports whether a token parks at this node pending an external
// actor (user claim, worker poll, timer, message or signal).
func (n Node) IsWaitState() bool {
	switch n.Type {
	case NodeTypeUserTask, NodeTypeCatchEvent:
		return true
	case NodeTypeServiceTask:
		return n.TopicName != ""
	}
	return false
}

type SequenceFlow struct {
	Id            string `json:"id"`
	SourceRef     string `json:"sourceRef"`
	TargetRef     string `json:"targetRef"`
	ConditionExpr string `json:"conditionExpr,omitempty"`
	Default       bool   `json:"default,omitempty"`
}

// Definition is the immutable graph of one workflow. It is shared by
// reference across every instance of the definition and must not be mutated
// after Prepare.
type Definition struct {
	Id        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	RawSource string         `json:"rawSource,omitempty"`
	Nodes     []Node         `json:"nodes"`
	Flows     []SequenceFlow `json:"flows"`

	nodesById     map[string]Node
	outgoing      map[string][]SequenceFlow
	incoming      map[string][]SequenceFlow
	startNodeId   string
	defaultByNode map[string]string
}

// Prepare validates the graph and builds the derived indexes. Flow declaration
// order is preserved in the outgoing index; exclusive gateways depend on it.
func (d *Definition) Prepare() error {
	if d.Id == "" {
		return fmt.Errorf("definition has no id")
	}
	d.nodesById = make(map[string]Node, len(d.Nodes))
	d.outgoing = make(map[string][]SequenceFlow)
	d.incoming = make(map[string][]SequenceFlow)
	d.defaultByNode = make(map[string]string)
	d.startNodeId = ""

	for _, n := range d.Nodes {
		if n.Id == "" {
			return fmt.Errorf("definition %s contains a node without id", d.Id)
		}
		if _, ok := d.nodesById[n.Id]; ok {
			return fmt.Errorf("definition %s contains duplicate node id %s", d.Id, n.Id)
		}
		d.nodesById[n.Id] = n
		if n.Type == NodeTypeStartEvent {
			if d.startNodeId != "" {
				return fmt.Errorf("definition %s has more than one start event", d.Id)
			}
			d.startNodeId = n.Id
		}
		if n.Type == NodeTypeGateway && n.DefaultFlowId != "" {
			d.defaultByNode[n.Id] = n.DefaultFlowId
		}
	}
	if d.startNodeId == "" {
		return fmt.Errorf("definition %s has no start event", d.Id)
	}

	for _, f := range d.Flows {
		if f.Id == "" || f.SourceRef == "" || f.TargetRef == "" {
			return fmt.Errorf("definition %s contains an incomplete flow %+v", d.Id, f)
		}
		if _, ok := d.nodesById[f.SourceRef]; !ok {
			return fmt.Errorf("flow %s references unknown source %s", f.Id, f.SourceRef)
		}
		if _, ok := d.nodesById[f.TargetRef]; !ok {
			return fmt.Errorf("flow %s references unknown target %s", f.Id, f.TargetRef)
		}
		if f.Default {
			d.defaultByNode[f.SourceRef] = f.Id
		}
		d.outgoing[f.SourceRef] = append(d.outgoing[f.SourceRef], f)
		d.incoming[f.TargetRef] = append(d.incoming[f.TargetRef], f)
	}
	return nil
}

func (d *Definition) StartNodeId() string {
	return d.startNodeId
}

func (d *Definition) NodeById(id string) (Node, bool) {
	n, ok := d.nodesById[id]
	return n, ok
}

// Outgoing returns the outgoing flows of a node in declaration order.
func (d *Definition) Outgoing(nodeId string) []SequenceFlow {
	return d.outgoing[nodeId]
}

func (d *Definition) Incoming(nodeId string) []SequenceFlow {
	return d.incoming[nodeId]
}

func (d *Definition) IncomingCount(nodeId string) int {
	return len(d.incoming[nodeId])
}

// DefaultFlow returns the default outgoing flow of a gateway, whether declared
// on the gateway or marked on the flow itself.
func (d *Definition) DefaultFlow(nodeId string) (SequenceFlow, bool) {
	id, ok := d.defaultByNode[nodeId]
	if !ok {
		return SequenceFlow{}, false
	}
	for _, f := range d.outgoing[nodeId] {
		if f.Id == id {
			return f, true
		}
	}
	return SequenceFlow{}, false
}

// FlowBetween returns the first declared flow connecting source to target.
func (d *Definition) FlowBetween(sourceId, targetId string) (SequenceFlow, bool) {
	for _, f := range d.outgoing[sourceId] {
		if f.TargetRef == targetId {
			return f, true
		}
	}
	return SequenceFlow{}, false
}
