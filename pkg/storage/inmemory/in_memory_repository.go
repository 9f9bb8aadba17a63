// Package inmemory keeps all engine state in process memory. It is the
// default store and the one the engine tests run against.
package inmemory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
	"github.com/abada-io/abada-engine/pkg/storage"
)

// Storage keeps process state in maps guarded by one RWMutex per repository.
// Please use NewStorage to create a new object of this type.
type Storage struct {
	mu                   sync.RWMutex
	definitions          map[string]*flow.Definition
	instances            map[int64]runtime.ProcessInstance
	tasks                map[string]runtime.Task
	timers               map[int64]runtime.Timer
	externalTasks        map[string]runtime.ExternalTask
	messageSubscriptions map[int64]runtime.MessageSubscription
	signalSubscriptions  map[int64]runtime.SignalSubscription
}

func NewStorage() *Storage {
	return &Storage{
		definitions:          make(map[string]*flow.Definition),
		instances:            make(map[int64]runtime.ProcessInstance),
		tasks:                make(map[string]runtime.Task),
		timers:               make(map[int64]runtime.Timer),
		externalTasks:        make(map[string]runtime.ExternalTask),
		messageSubscriptions: make(map[int64]runtime.MessageSubscription),
		signalSubscriptions:  make(map[int64]runtime.SignalSubscription),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) FindProcessDefinitionById(ctx context.Context, id string) (*flow.Definition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	def, ok := mem.definitions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return def, nil
}

func (mem *Storage) FindProcessDefinitions(ctx context.Context) ([]*flow.Definition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]*flow.Definition, 0, len(mem.definitions))
	for _, def := range mem.definitions {
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b *flow.Definition) int {
		return strings.Compare(a.Id, b.Id)
	})
	return res, nil
}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition *flow.Definition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.definitions[definition.Id] = definition
	return nil
}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, key int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.instances[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res.Clone(), nil
}

func (mem *Storage) FindProcessInstances(ctx context.Context) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0, len(mem.instances))
	for _, pi := range mem.instances {
		res = append(res, pi.Clone())
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	// store a detached snapshot: the engine keeps mutating the variable and
	// token structures it passed in
	snapshot := instance.Clone()
	// the graph is relinked on load, same as with the durable store
	snapshot.Definition = nil
	mem.instances[instance.Key] = snapshot
	return nil
}

func (mem *Storage) FindTaskById(ctx context.Context, id string) (runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.tasks[id]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindTasksByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Task, 0)
	for _, t := range mem.tasks {
		if t.ProcessInstanceKey == processInstanceKey {
			res = append(res, t)
		}
	}
	sortTasks(res)
	return res, nil
}

func (mem *Storage) FindOpenTasks(ctx context.Context) ([]runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Task, 0)
	for _, t := range mem.tasks {
		if t.IsOpen() {
			res = append(res, t)
		}
	}
	sortTasks(res)
	return res, nil
}

func (mem *Storage) SaveTask(ctx context.Context, task runtime.Task) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.tasks[task.Id] = task
	return nil
}

func (mem *Storage) FindDueTimers(ctx context.Context, before time.Time) ([]runtime.Timer, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Timer, 0)
	for _, t := range mem.timers {
		if !t.DueAt.After(before) {
			res = append(res, t)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Timer) int {
		return a.DueAt.Compare(b.DueAt)
	})
	return res, nil
}

func (mem *Storage) FindTimersByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.Timer, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Timer, 0)
	for _, t := range mem.timers {
		if t.ProcessInstanceKey == processInstanceKey {
			res = append(res, t)
		}
	}
	return res, nil
}

func (mem *Storage) SaveTimer(ctx context.Context, timer runtime.Timer) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.timers[timer.Key] = timer
	return nil
}

func (mem *Storage) DeleteTimer(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.timers, key)
	return nil
}

func (mem *Storage) FindExternalTaskById(ctx context.Context, id string) (runtime.ExternalTask, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.externalTasks[id]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindLockableExternalTask(ctx context.Context, topic string, now time.Time) (runtime.ExternalTask, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ExternalTask
	found := false
	for _, et := range mem.externalTasks {
		if et.TopicName != topic || !et.Lockable(now) {
			continue
		}
		if found && !et.CreatedAt.Before(res.CreatedAt) {
			continue
		}
		res = et
		found = true
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindFailedExternalTasks(ctx context.Context) ([]runtime.ExternalTask, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ExternalTask, 0)
	for _, et := range mem.externalTasks {
		if et.State == runtime.ExternalTaskStateFailed {
			res = append(res, et)
		}
	}
	slices.SortFunc(res, func(a, b runtime.ExternalTask) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return res, nil
}

func (mem *Storage) FindExternalTasksByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.ExternalTask, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ExternalTask, 0)
	for _, et := range mem.externalTasks {
		if et.ProcessInstanceKey == processInstanceKey {
			res = append(res, et)
		}
	}
	return res, nil
}

func (mem *Storage) SaveExternalTask(ctx context.Context, task runtime.ExternalTask) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.externalTasks[task.Id] = task
	return nil
}

func (mem *Storage) DeleteExternalTask(ctx context.Context, id string) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.externalTasks, id)
	return nil
}

func (mem *Storage) FindMessageSubscription(ctx context.Context, name string, correlationKey string) (runtime.MessageSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, ms := range mem.messageSubscriptions {
		if ms.Name == name && ms.CorrelationKey == correlationKey {
			return ms, nil
		}
	}
	return runtime.MessageSubscription{}, storage.ErrNotFound
}

func (mem *Storage) FindMessageSubscriptionsByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.MessageSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.MessageSubscription, 0)
	for _, ms := range mem.messageSubscriptions {
		if ms.ProcessInstanceKey == processInstanceKey {
			res = append(res, ms)
		}
	}
	return res, nil
}

func (mem *Storage) SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.messageSubscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) DeleteMessageSubscription(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.messageSubscriptions, key)
	return nil
}

func (mem *Storage) FindSignalSubscriptionsByName(ctx context.Context, name string) ([]runtime.SignalSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.SignalSubscription, 0)
	for _, ss := range mem.signalSubscriptions {
		if ss.Name == name {
			res = append(res, ss)
		}
	}
	slices.SortFunc(res, func(a, b runtime.SignalSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveSignalSubscription(ctx context.Context, subscription runtime.SignalSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.signalSubscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) DeleteSignalSubscription(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.signalSubscriptions, key)
	return nil
}

func sortTasks(tasks []runtime.Task) {
	slices.SortFunc(tasks, func(a, b runtime.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})
}
