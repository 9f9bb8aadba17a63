package bpmn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
)

// timerGraph parks on a timer catch event carrying an ISO 8601 duration.
func timerGraph(id string, isoDuration string) *flow.Definition {
	return &flow.Definition{
		Id: id,
		Nodes: []flow.Node{
			{Id: "start", Type: flow.NodeTypeStartEvent},
			{Id: "wait", Type: flow.NodeTypeCatchEvent, EventKind: flow.EventKindTimer, DefinitionRef: isoDuration},
			{Id: "end", Type: flow.NodeTypeEndEvent},
		},
		Flows: []flow.SequenceFlow{
			{Id: "f1", SourceRef: "start", TargetRef: "wait"},
			{Id: "f2", SourceRef: "wait", TargetRef: "end"},
		},
	}
}

func TestTimerCatchEventSchedulesJob(t *testing.T) {
	// given
	mustDeploy(t, timerGraph("timer-park", "PT1H"))

	// when
	instance, err := engine.StartInstanceById(context.Background(), "timer-park", nil, "")
	assert.NoError(t, err)

	// then the token parks and a timer job is due in about an hour
	assert.Equal(t, []string{"wait"}, instance.ActiveTokens)
	timers, err := engineStorage.FindTimersByProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Len(t, timers, 1)
	assert.Equal(t, "wait", timers[0].NodeId)
	assert.WithinDuration(t, time.Now().Add(time.Hour), timers[0].DueAt, time.Minute)
}

func TestInvalidTimerDurationFailsInstance(t *testing.T) {
	// given
	mustDeploy(t, timerGraph("timer-invalid", "every full moon"))

	// when
	instance, err := engine.StartInstanceById(context.Background(), "timer-invalid", nil, "")

	// then
	assert.Error(t, err)
	assert.Equal(t, runtime.InstanceStateFailed, instance.State)
}

func TestFireTimerResumesAndDeletesJob(t *testing.T) {
	// given a parked timer
	mustDeploy(t, timerGraph("timer-fire", "PT1H"))
	instance, err := engine.StartInstanceById(context.Background(), "timer-fire", nil, "")
	assert.NoError(t, err)
	timers, err := engineStorage.FindTimersByProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Len(t, timers, 1)

	// when the timer fires
	engine.fireTimer(context.Background(), timers[0])

	// then the instance ran to completion and the job is gone
	pi, err := engine.FindProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, pi.State)
	remaining, err := engineStorage.FindTimersByProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestFireTimerTwiceIsHarmless(t *testing.T) {
	// given a timer that already fired once
	mustDeploy(t, timerGraph("timer-duplicate", "PT1H"))
	instance, err := engine.StartInstanceById(context.Background(), "timer-duplicate", nil, "")
	assert.NoError(t, err)
	timers, err := engineStorage.FindTimersByProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Len(t, timers, 1)
	engine.fireTimer(context.Background(), timers[0])

	// when a redundant delivery of the same job arrives
	engine.fireTimer(context.Background(), timers[0])

	// then the instance is untouched
	pi, err := engine.FindProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, pi.State)
}

func TestFireTimerLeavesJobWhileSuspended(t *testing.T) {
	// given a suspended instance with a due timer
	mustDeploy(t, timerGraph("timer-suspended", "PT1S"))
	instance, err := engine.StartInstanceById(context.Background(), "timer-suspended", nil, "")
	assert.NoError(t, err)
	assert.NoError(t, engine.SuspendInstance(context.Background(), instance.Key))
	timers, err := engineStorage.FindTimersByProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Len(t, timers, 1)

	// when the timer fires while suspended
	engine.fireTimer(context.Background(), timers[0])

	// then nothing moved and the job is kept for a later poll
	pi, err := engine.FindProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateSuspended, pi.State)
	assert.Equal(t, []string{"wait"}, pi.ActiveTokens)
	remaining, err := engineStorage.FindTimersByProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Len(t, remaining, 1)

	// when the instance is resumed and the timer fires again
	assert.NoError(t, engine.ResumeInstance(context.Background(), instance.Key))
	engine.fireTimer(context.Background(), remaining[0])

	// then it completes
	pi, err = engine.FindProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, pi.State)
}

func TestPollDueTimersHonorsDueTime(t *testing.T) {
	// given a timer an hour out
	mustDeploy(t, timerGraph("timer-poll", "PT1H"))
	instance, err := engine.StartInstanceById(context.Background(), "timer-poll", nil, "")
	assert.NoError(t, err)

	hasTimer := func(timers []runtime.Timer) bool {
		for _, timer := range timers {
			if timer.ProcessInstanceKey == instance.Key {
				return true
			}
		}
		return false
	}

	// when polling with the current time
	due, err := engine.pollDueTimers(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.False(t, hasTimer(due))

	// then a poll past the due time picks it up
	due, err = engine.pollDueTimers(context.Background(), time.Now().Add(2*time.Hour))
	assert.NoError(t, err)
	assert.True(t, hasTimer(due))
}

func TestEvaluateTimerDuration(t *testing.T) {
	from := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	dueAt, err := evaluateTimerDuration("PT15M", from)
	assert.NoError(t, err)
	assert.Equal(t, from.Add(15*time.Minute), dueAt)

	dueAt, err = evaluateTimerDuration("P1DT2H", from)
	assert.NoError(t, err)
	assert.Equal(t, from.AddDate(0, 0, 1).Add(2*time.Hour), dueAt)

	// absolute timestamps pass through untouched
	dueAt, err = evaluateTimerDuration("2025-04-01T08:00:00Z", from)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC), dueAt)

	_, err = evaluateTimerDuration("soon", from)
	assert.Error(t, err)
}
