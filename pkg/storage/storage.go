// Package storage defines the persistence contract of the engine. The engine
// core is storage-agnostic: an implementation may keep everything in memory
// (inmemory) or durably (sqlite). Implementations must be safe for concurrent
// use; request handlers and the background pollers share one Storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
)

// ErrNotFound is returned by every Find* that matches nothing.
var ErrNotFound = errors.New("not found")

type ProcessDefinitionStorageReader interface {
	FindProcessDefinitionById(ctx context.Context, id string) (*flow.Definition, error)
	FindProcessDefinitions(ctx context.Context) ([]*flow.Definition, error)
}

type ProcessDefinitionStorageWriter interface {
	SaveProcessDefinition(ctx context.Context, definition *flow.Definition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, key int64) (runtime.ProcessInstance, error)
	FindProcessInstances(ctx context.Context) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance snapshot, overwriting any
	// prior snapshot with the same key. ActiveTokens and JoinArrivals are
	// part of the snapshot.
	SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error
}

type TaskStorageReader interface {
	FindTaskById(ctx context.Context, id string) (runtime.Task, error)
	FindTasksByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error)
	FindOpenTasks(ctx context.Context) ([]runtime.Task, error)
}

type TaskStorageWriter interface {
	SaveTask(ctx context.Context, task runtime.Task) error
}

type TimerStorageReader interface {
	FindDueTimers(ctx context.Context, before time.Time) ([]runtime.Timer, error)
	FindTimersByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.Timer, error)
}

type TimerStorageWriter interface {
	SaveTimer(ctx context.Context, timer runtime.Timer) error
	DeleteTimer(ctx context.Context, key int64) error
}

type ExternalTaskStorageReader interface {
	FindExternalTaskById(ctx context.Context, id string) (runtime.ExternalTask, error)
	// FindLockableExternalTask returns the oldest task for the topic that is
	// OPEN or LOCKED with a lease expired at now.
	FindLockableExternalTask(ctx context.Context, topic string, now time.Time) (runtime.ExternalTask, error)
	FindFailedExternalTasks(ctx context.Context) ([]runtime.ExternalTask, error)
	FindExternalTasksByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.ExternalTask, error)
}

type ExternalTaskStorageWriter interface {
	SaveExternalTask(ctx context.Context, task runtime.ExternalTask) error
	DeleteExternalTask(ctx context.Context, id string) error
}

type MessageSubscriptionStorageReader interface {
	FindMessageSubscription(ctx context.Context, name string, correlationKey string) (runtime.MessageSubscription, error)
	FindMessageSubscriptionsByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.MessageSubscription, error)
}

type MessageSubscriptionStorageWriter interface {
	SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error
	DeleteMessageSubscription(ctx context.Context, key int64) error
}

type SignalSubscriptionStorageReader interface {
	FindSignalSubscriptionsByName(ctx context.Context, name string) ([]runtime.SignalSubscription, error)
}

type SignalSubscriptionStorageWriter interface {
	SaveSignalSubscription(ctx context.Context, subscription runtime.SignalSubscription) error
	DeleteSignalSubscription(ctx context.Context, key int64) error
}

// Storage aggregates the per-entity readers and writers.
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	TaskStorageReader
	TaskStorageWriter
	TimerStorageReader
	TimerStorageWriter
	ExternalTaskStorageReader
	ExternalTaskStorageWriter
	MessageSubscriptionStorageReader
	MessageSubscriptionStorageWriter
	SignalSubscriptionStorageReader
	SignalSubscriptionStorageWriter
}
