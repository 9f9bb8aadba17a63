package inmemory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
	"github.com/abada-io/abada-engine/pkg/storage"
	"github.com/abada-io/abada-engine/pkg/storage/inmemory"
)

func TestFindReturnsErrNotFound(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()

	_, err := mem.FindProcessDefinitionById(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = mem.FindProcessInstanceByKey(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = mem.FindTaskById(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = mem.FindExternalTaskById(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = mem.FindLockableExternalTask(ctx, "topic", time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = mem.FindMessageSubscription(ctx, "msg", "key")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveProcessInstanceOverwritesSnapshot(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()

	pi := runtime.ProcessInstance{Key: 7, State: runtime.InstanceStateRunning}
	assert.NoError(t, mem.SaveProcessInstance(ctx, pi))
	pi.State = runtime.InstanceStateCompleted
	assert.NoError(t, mem.SaveProcessInstance(ctx, pi))

	stored, err := mem.FindProcessInstanceByKey(ctx, 7)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)

	all, err := mem.FindProcessInstances(ctx)
	assert.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFindProcessDefinitionsSortedById(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()

	assert.NoError(t, mem.SaveProcessDefinition(ctx, &flow.Definition{Id: "b"}))
	assert.NoError(t, mem.SaveProcessDefinition(ctx, &flow.Definition{Id: "a"}))

	defs, err := mem.FindProcessDefinitions(ctx)
	assert.NoError(t, err)
	assert.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Id)
	assert.Equal(t, "b", defs[1].Id)
}

func TestFindOpenTasksFiltersClosedOnes(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()
	now := time.Now()

	assert.NoError(t, mem.SaveTask(ctx, runtime.Task{Id: "t1", ProcessInstanceKey: 1, State: runtime.TaskStateAvailable, CreatedAt: now}))
	assert.NoError(t, mem.SaveTask(ctx, runtime.Task{Id: "t2", ProcessInstanceKey: 1, State: runtime.TaskStateClaimed, CreatedAt: now.Add(time.Second)}))
	assert.NoError(t, mem.SaveTask(ctx, runtime.Task{Id: "t3", ProcessInstanceKey: 2, State: runtime.TaskStateCompleted, CreatedAt: now}))

	open, err := mem.FindOpenTasks(ctx)
	assert.NoError(t, err)
	assert.Len(t, open, 2)
	assert.Equal(t, "t1", open[0].Id)
	assert.Equal(t, "t2", open[1].Id)

	byInstance, err := mem.FindTasksByProcessInstance(ctx, 2)
	assert.NoError(t, err)
	assert.Len(t, byInstance, 1)
	assert.Equal(t, "t3", byInstance[0].Id)
}

func TestFindDueTimers(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()
	now := time.Now()

	assert.NoError(t, mem.SaveTimer(ctx, runtime.Timer{Key: 1, DueAt: now.Add(-time.Minute)}))
	assert.NoError(t, mem.SaveTimer(ctx, runtime.Timer{Key: 2, DueAt: now.Add(-time.Hour)}))
	assert.NoError(t, mem.SaveTimer(ctx, runtime.Timer{Key: 3, DueAt: now.Add(time.Hour)}))

	due, err := mem.FindDueTimers(ctx, now)
	assert.NoError(t, err)
	assert.Len(t, due, 2)
	// most overdue first
	assert.Equal(t, int64(2), due[0].Key)
	assert.Equal(t, int64(1), due[1].Key)

	assert.NoError(t, mem.DeleteTimer(ctx, 2))
	due, err = mem.FindDueTimers(ctx, now)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestFindLockableExternalTaskPicksOldest(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()
	now := time.Now()
	expired := now.Add(-time.Minute)
	active := now.Add(time.Minute)

	assert.NoError(t, mem.SaveExternalTask(ctx, runtime.ExternalTask{
		Id: "newer-open", TopicName: "billing", State: runtime.ExternalTaskStateOpen, CreatedAt: now,
	}))
	assert.NoError(t, mem.SaveExternalTask(ctx, runtime.ExternalTask{
		Id: "older-expired-lock", TopicName: "billing", State: runtime.ExternalTaskStateLocked, LockExpiresAt: &expired, CreatedAt: now.Add(-time.Hour),
	}))
	assert.NoError(t, mem.SaveExternalTask(ctx, runtime.ExternalTask{
		Id: "oldest-but-held", TopicName: "billing", State: runtime.ExternalTaskStateLocked, LockExpiresAt: &active, CreatedAt: now.Add(-2 * time.Hour),
	}))
	assert.NoError(t, mem.SaveExternalTask(ctx, runtime.ExternalTask{
		Id: "other-topic", TopicName: "shipping", State: runtime.ExternalTaskStateOpen, CreatedAt: now.Add(-3 * time.Hour),
	}))

	job, err := mem.FindLockableExternalTask(ctx, "billing", now)
	assert.NoError(t, err)
	assert.Equal(t, "older-expired-lock", job.Id)
}

func TestExternalTaskLifecycleQueries(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()
	now := time.Now()

	assert.NoError(t, mem.SaveExternalTask(ctx, runtime.ExternalTask{
		Id: "j1", ProcessInstanceKey: 9, TopicName: "t", State: runtime.ExternalTaskStateFailed, CreatedAt: now,
	}))
	assert.NoError(t, mem.SaveExternalTask(ctx, runtime.ExternalTask{
		Id: "j2", ProcessInstanceKey: 9, TopicName: "t", State: runtime.ExternalTaskStateOpen, CreatedAt: now,
	}))

	failed, err := mem.FindFailedExternalTasks(ctx)
	assert.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.Equal(t, "j1", failed[0].Id)

	byInstance, err := mem.FindExternalTasksByProcessInstance(ctx, 9)
	assert.NoError(t, err)
	assert.Len(t, byInstance, 2)

	assert.NoError(t, mem.DeleteExternalTask(ctx, "j1"))
	assert.NoError(t, mem.DeleteExternalTask(ctx, "j2"))
	byInstance, err = mem.FindExternalTasksByProcessInstance(ctx, 9)
	assert.NoError(t, err)
	assert.Empty(t, byInstance)
}

func TestMessageSubscriptionLookup(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()

	sub := runtime.MessageSubscription{Key: 11, Name: "payment", CorrelationKey: "order-1", ProcessInstanceKey: 5}
	assert.NoError(t, mem.SaveMessageSubscription(ctx, sub))

	found, err := mem.FindMessageSubscription(ctx, "payment", "order-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(5), found.ProcessInstanceKey)

	_, err = mem.FindMessageSubscription(ctx, "payment", "order-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, mem.DeleteMessageSubscription(ctx, 11))
	_, err = mem.FindMessageSubscription(ctx, "payment", "order-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSignalSubscriptionsByName(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()

	assert.NoError(t, mem.SaveSignalSubscription(ctx, runtime.SignalSubscription{Key: 2, Name: "closed"}))
	assert.NoError(t, mem.SaveSignalSubscription(ctx, runtime.SignalSubscription{Key: 1, Name: "closed"}))
	assert.NoError(t, mem.SaveSignalSubscription(ctx, runtime.SignalSubscription{Key: 3, Name: "other"}))

	subs, err := mem.FindSignalSubscriptionsByName(ctx, "closed")
	assert.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.Equal(t, int64(1), subs[0].Key)
	assert.Equal(t, int64(2), subs[1].Key)

	assert.NoError(t, mem.DeleteSignalSubscription(ctx, 1))
	subs, err = mem.FindSignalSubscriptionsByName(ctx, "closed")
	assert.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestProcessInstanceSnapshotsAreDetached(t *testing.T) {
	mem := inmemory.NewStorage()
	ctx := context.Background()

	pi := runtime.ProcessInstance{
		Key:          11,
		DefinitionId: "detached",
		State:        runtime.InstanceStateRunning,
		Variables:    map[string]any{"amount": 100},
		ActiveTokens: []string{"taskA", "taskB"},
		JoinArrivals: map[string]map[string]bool{"join": {"fromA": true}},
	}
	assert.NoError(t, mem.SaveProcessInstance(ctx, pi))

	// mutating the saved value must not reach the stored snapshot
	pi.Variables["amount"] = 999
	pi.RemoveToken("taskA")
	pi.JoinArrivals["join"]["fromB"] = true

	stored, err := mem.FindProcessInstanceByKey(ctx, 11)
	assert.NoError(t, err)
	assert.Equal(t, 100, stored.Variables["amount"])
	assert.Equal(t, []string{"taskA", "taskB"}, stored.ActiveTokens)
	assert.Equal(t, map[string]bool{"fromA": true}, stored.JoinArrivals["join"])

	// and neither must mutating a snapshot handed to a reader
	stored.Variables["amount"] = -1
	stored.ActiveTokens[0] = "elsewhere"
	stored.JoinArrivals["join"]["fromB"] = true

	again, err := mem.FindProcessInstanceByKey(ctx, 11)
	assert.NoError(t, err)
	assert.Equal(t, 100, again.Variables["amount"])
	assert.Equal(t, "taskA", again.ActiveTokens[0])
	assert.Equal(t, map[string]bool{"fromA": true}, again.JoinArrivals["join"])

	listed, err := mem.FindProcessInstances(ctx)
	assert.NoError(t, err)
	assert.Len(t, listed, 1)
	listed[0].Variables["amount"] = -2
	again, err = mem.FindProcessInstanceByKey(ctx, 11)
	assert.NoError(t, err)
	assert.Equal(t, 100, again.Variables["amount"])
}
