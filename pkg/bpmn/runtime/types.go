package runtime

import (
	"maps"
	"slices"
	"time"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
)

type InstanceState string

const (
	InstanceStateRunning   InstanceState = "RUNNING"
	InstanceStateSuspended InstanceState = "SUSPENDED"
	InstanceStateCompleted InstanceState = "COMPLETED"
	InstanceStateFailed    InstanceState = "FAILED"
	InstanceStateCancelled InstanceState = "CANCELLED"
)

// ProcessInstance is the mutable state of one running execution. The engine is
// the only writer; callers observe it through snapshots returned by the facade.
type ProcessInstance struct {
	Key          int64            `json:"key"`
	DefinitionId string           `json:"definitionId"`
	Definition   *flow.Definition `json:"-"`

	Variables map[string]any `json:"variables,omitempty"`
	State     InstanceState  `json:"state"`
	Suspended bool           `json:"suspended"`
	StartedBy string         `json:"startedBy,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`

	CancelReason string `json:"cancelReason,omitempty"`

	// ActiveTokens holds the node ids the instance currently occupies. Its
	// size exceeds one only between a parallel/inclusive fork and its join.
	ActiveTokens []string `json:"activeTokens"`

	// JoinArrivals maps a joining gateway id to the set of incoming flow ids
	// already satisfied for the current join attempt. Cleared when the join
	// fires. Persisted with the snapshot: partial join state must survive a
	// restart.
	JoinArrivals map[string]map[string]bool `json:"joinArrivals,omitempty"`
}

// Clone returns a copy whose variables, tokens and join state are detached
// from the receiver. Stores hand out clones so that readers never alias the
// maps the engine keeps mutating.
func (pi ProcessInstance) Clone() ProcessInstance {
	cp := pi
	cp.Variables = maps.Clone(pi.Variables)
	cp.ActiveTokens = slices.Clone(pi.ActiveTokens)
	if pi.JoinArrivals != nil {
		cp.JoinArrivals = make(map[string]map[string]bool, len(pi.JoinArrivals))
		for gatewayId, arrived := range pi.JoinArrivals {
			cp.JoinArrivals[gatewayId] = maps.Clone(arrived)
		}
	}
	if pi.EndedAt != nil {
		endedAt := *pi.EndedAt
		cp.EndedAt = &endedAt
	}
	return cp
}

func (pi *ProcessInstance) IsTerminal() bool {
	switch pi.State {
	case InstanceStateCompleted, InstanceStateFailed, InstanceStateCancelled:
		return true
	}
	return false
}

func (pi *ProcessInstance) HasToken(nodeId string) bool {
	for _, t := range pi.ActiveTokens {
		if t == nodeId {
			return true
		}
	}
	return false
}

func (pi *ProcessInstance) AddToken(nodeId string) {
	pi.ActiveTokens = append(pi.ActiveTokens, nodeId)
}

// RemoveToken removes one occurrence of nodeId and reports whether a token
// was present.
func (pi *ProcessInstance) RemoveToken(nodeId string) bool {
	for i, t := range pi.ActiveTokens {
		if t == nodeId {
			pi.ActiveTokens = append(pi.ActiveTokens[:i], pi.ActiveTokens[i+1:]...)
			return true
		}
	}
	return false
}

func (pi *ProcessInstance) GetVariable(key string) any {
	return pi.Variables[key]
}

func (pi *ProcessInstance) SetVariable(key string, value any) {
	if pi.Variables == nil {
		pi.Variables = make(map[string]any)
	}
	pi.Variables[key] = value
}

func (pi *ProcessInstance) MergeVariables(vars map[string]any) {
	for k, v := range vars {
		pi.SetVariable(k, v)
	}
}

// RecordJoinArrival notes that the given incoming flow reached the gateway and
// reports whether every incoming flow has now arrived. Firing clears the set.
func (pi *ProcessInstance) RecordJoinArrival(gatewayId, flowId string, incoming int) bool {
	if pi.JoinArrivals == nil {
		pi.JoinArrivals = make(map[string]map[string]bool)
	}
	arrived := pi.JoinArrivals[gatewayId]
	if arrived == nil {
		arrived = make(map[string]bool)
		pi.JoinArrivals[gatewayId] = arrived
	}
	arrived[flowId] = true
	if len(arrived) >= incoming {
		delete(pi.JoinArrivals, gatewayId)
		return true
	}
	return false
}

type TaskState string

const (
	TaskStateAvailable TaskState = "AVAILABLE"
	TaskStateClaimed   TaskState = "CLAIMED"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateSuspended TaskState = "SUSPENDED"
	TaskStateCancelled TaskState = "CANCELLED"
	TaskStateDelegated TaskState = "DELEGATED"
	TaskStateEscalated TaskState = "ESCALATED"
	TaskStateExpired   TaskState = "EXPIRED"
	TaskStateFailed    TaskState = "FAILED"
)

// Task is one user-task wait point.
type Task struct {
	Id                 string     `json:"id"`
	ProcessInstanceKey int64      `json:"processInstanceKey"`
	NodeId             string     `json:"nodeId"`
	Name               string     `json:"name,omitempty"`
	Assignee           string     `json:"assignee,omitempty"`
	CandidateUsers     []string   `json:"candidateUsers,omitempty"`
	CandidateGroups    []string   `json:"candidateGroups,omitempty"`
	State              TaskState  `json:"state"`
	CreatedAt          time.Time  `json:"createdAt"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
}

func (t Task) IsOpen() bool {
	return t.State == TaskStateAvailable || t.State == TaskStateClaimed
}

// Timer is one timer wait point; DueAt = CreatedAt + parsed duration.
type Timer struct {
	Key                int64     `json:"key"`
	ProcessInstanceKey int64     `json:"processInstanceKey"`
	NodeId             string    `json:"nodeId"`
	CreatedAt          time.Time `json:"createdAt"`
	DueAt              time.Time `json:"dueAt"`
}

type ExternalTaskState string

const (
	ExternalTaskStateOpen   ExternalTaskState = "OPEN"
	ExternalTaskStateLocked ExternalTaskState = "LOCKED"
	ExternalTaskStateFailed ExternalTaskState = "FAILED"
)

// ExternalTask is one externally-delegated wait point. A FAILED task with
// exhausted retries is an incident: it stays in storage until an operator
// resets its retries or completes it.
type ExternalTask struct {
	Id                 string            `json:"id"`
	ProcessInstanceKey int64             `json:"processInstanceKey"`
	NodeId             string            `json:"nodeId"`
	TopicName          string            `json:"topicName"`
	State              ExternalTaskState `json:"state"`
	WorkerId           string            `json:"workerId,omitempty"`
	LockExpiresAt      *time.Time        `json:"lockExpiresAt,omitempty"`
	Retries            int               `json:"retries"`
	ExceptionMessage   string            `json:"exceptionMessage,omitempty"`
	ExceptionDetails   string            `json:"exceptionDetails,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// Lockable reports whether a worker may lock the task at the given time:
// it is OPEN, or LOCKED with an expired lease.
func (et ExternalTask) Lockable(now time.Time) bool {
	switch et.State {
	case ExternalTaskStateOpen:
		return true
	case ExternalTaskStateLocked:
		return et.LockExpiresAt != nil && et.LockExpiresAt.Before(now)
	}
	return false
}

// MessageSubscription parks an instance on (Name, CorrelationKey). At most one
// subscription exists per key pair at a time.
type MessageSubscription struct {
	Key                int64     `json:"key"`
	Name               string    `json:"name"`
	CorrelationKey     string    `json:"correlationKey"`
	ProcessInstanceKey int64     `json:"processInstanceKey"`
	NodeId             string    `json:"nodeId"`
	CreatedAt          time.Time `json:"createdAt"`
}

type SignalSubscription struct {
	Key                int64     `json:"key"`
	Name               string    `json:"name"`
	ProcessInstanceKey int64     `json:"processInstanceKey"`
	NodeId             string    `json:"nodeId"`
	CreatedAt          time.Time `json:"createdAt"`
}
