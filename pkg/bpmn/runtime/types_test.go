package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBookkeeping(t *testing.T) {
	pi := ProcessInstance{}

	pi.AddToken("a")
	pi.AddToken("b")
	pi.AddToken("a")
	assert.True(t, pi.HasToken("a"))
	assert.True(t, pi.HasToken("b"))
	assert.False(t, pi.HasToken("c"))

	// RemoveToken takes one occurrence at a time
	assert.True(t, pi.RemoveToken("a"))
	assert.True(t, pi.HasToken("a"))
	assert.True(t, pi.RemoveToken("a"))
	assert.False(t, pi.HasToken("a"))
	assert.False(t, pi.RemoveToken("a"))
	assert.Equal(t, []string{"b"}, pi.ActiveTokens)
}

func TestIsTerminal(t *testing.T) {
	for state, terminal := range map[InstanceState]bool{
		InstanceStateRunning:   false,
		InstanceStateSuspended: false,
		InstanceStateCompleted: true,
		InstanceStateFailed:    true,
		InstanceStateCancelled: true,
	} {
		pi := ProcessInstance{State: state}
		assert.Equal(t, terminal, pi.IsTerminal(), "state %s", state)
	}
}

func TestVariableScope(t *testing.T) {
	pi := ProcessInstance{}
	assert.Nil(t, pi.GetVariable("x"))

	pi.SetVariable("x", 1)
	pi.MergeVariables(map[string]any{"x": 2, "y": "z"})
	assert.Equal(t, 2, pi.GetVariable("x"))
	assert.Equal(t, "z", pi.GetVariable("y"))

	// merging nil is a no-op
	pi.MergeVariables(nil)
	assert.Len(t, pi.Variables, 2)
}

func TestRecordJoinArrival(t *testing.T) {
	pi := ProcessInstance{}

	// two of three incoming flows do not fire the join
	assert.False(t, pi.RecordJoinArrival("join", "f1", 3))
	assert.False(t, pi.RecordJoinArrival("join", "f2", 3))
	// a duplicate arrival on the same flow does not count twice
	assert.False(t, pi.RecordJoinArrival("join", "f2", 3))
	assert.Len(t, pi.JoinArrivals["join"], 2)

	// the last flow fires the join and clears the state
	assert.True(t, pi.RecordJoinArrival("join", "f3", 3))
	assert.NotContains(t, pi.JoinArrivals, "join")

	// a later join attempt starts from scratch
	assert.False(t, pi.RecordJoinArrival("join", "f1", 3))
}

func TestExternalTaskLockable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, ExternalTask{State: ExternalTaskStateOpen}.Lockable(now))
	assert.True(t, ExternalTask{State: ExternalTaskStateLocked, LockExpiresAt: &past}.Lockable(now))
	assert.False(t, ExternalTask{State: ExternalTaskStateLocked, LockExpiresAt: &future}.Lockable(now))
	assert.False(t, ExternalTask{State: ExternalTaskStateLocked}.Lockable(now))
	assert.False(t, ExternalTask{State: ExternalTaskStateFailed}.Lockable(now))
}

func TestTaskIsOpen(t *testing.T) {
	assert.True(t, Task{State: TaskStateAvailable}.IsOpen())
	assert.True(t, Task{State: TaskStateClaimed}.IsOpen())
	assert.False(t, Task{State: TaskStateCompleted}.IsOpen())
	assert.False(t, Task{State: TaskStateCancelled}.IsOpen())
	assert.False(t, Task{State: TaskStateFailed}.IsOpen())
}

func TestProcessInstanceCloneDetachesState(t *testing.T) {
	endedAt := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	pi := ProcessInstance{
		Key:          1,
		Variables:    map[string]any{"x": 1},
		ActiveTokens: []string{"a", "b"},
		JoinArrivals: map[string]map[string]bool{"join": {"f1": true}},
		EndedAt:      &endedAt,
	}

	cp := pi.Clone()
	cp.SetVariable("x", 2)
	cp.RemoveToken("a")
	cp.RecordJoinArrival("join", "f2", 3)
	*cp.EndedAt = endedAt.Add(time.Hour)

	assert.Equal(t, 1, pi.GetVariable("x"))
	assert.Equal(t, []string{"a", "b"}, pi.ActiveTokens)
	assert.Equal(t, map[string]bool{"f1": true}, pi.JoinArrivals["join"])
	assert.Equal(t, endedAt, *pi.EndedAt)
}
