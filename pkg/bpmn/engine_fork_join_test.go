package bpmn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
)

// forkJoinGraph forks into two user tasks that synchronize on a parallel join.
func forkJoinGraph(id string) *flow.Definition {
	return &flow.Definition{
		Id: id,
		Nodes: []flow.Node{
			{Id: "start", Type: flow.NodeTypeStartEvent},
			{Id: "fork", Type: flow.NodeTypeGateway, GatewayKind: flow.GatewayKindParallel},
			{Id: "taskA", Type: flow.NodeTypeUserTask, CandidateUsers: []string{"worker"}},
			{Id: "taskB", Type: flow.NodeTypeUserTask, CandidateUsers: []string{"worker"}},
			{Id: "join", Type: flow.NodeTypeGateway, GatewayKind: flow.GatewayKindParallel},
			{Id: "end", Type: flow.NodeTypeEndEvent},
		},
		Flows: []flow.SequenceFlow{
			{Id: "f1", SourceRef: "start", TargetRef: "fork"},
			{Id: "toA", SourceRef: "fork", TargetRef: "taskA"},
			{Id: "toB", SourceRef: "fork", TargetRef: "taskB"},
			{Id: "fromA", SourceRef: "taskA", TargetRef: "join"},
			{Id: "fromB", SourceRef: "taskB", TargetRef: "join"},
			{Id: "f6", SourceRef: "join", TargetRef: "end"},
		},
	}
}

func taskByNodeId(tasks []runtime.Task, nodeId string) (runtime.Task, bool) {
	for _, t := range tasks {
		if t.NodeId == nodeId && t.IsOpen() {
			return t, true
		}
	}
	return runtime.Task{}, false
}

func TestParallelForkCreatesOneTokenPerBranch(t *testing.T) {
	// given
	mustDeploy(t, forkJoinGraph("fork-two-branches"))

	// when
	instance, err := engine.StartInstanceById(context.Background(), "fork-two-branches", nil, "")
	assert.NoError(t, err)

	// then both branches hold a token and a task each
	assert.ElementsMatch(t, []string{"taskA", "taskB"}, instance.ActiveTokens)
	tasks, err := engine.TasksForProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestParallelJoinWaitsForAllBranches(t *testing.T) {
	// given
	mustDeploy(t, forkJoinGraph("join-waits"))
	instance, err := engine.StartInstanceById(context.Background(), "join-waits", nil, "")
	assert.NoError(t, err)
	tasks, _ := engine.TasksForProcessInstance(context.Background(), instance.Key)
	taskA, ok := taskByNodeId(tasks, "taskA")
	assert.True(t, ok)

	// when only branch A completes
	afterA, err := engine.CompleteTask(context.Background(), taskA.Id, "worker", nil, nil)
	assert.NoError(t, err)

	// then the join has not fired: the arrival is absorbed, branch B still runs
	assert.Equal(t, runtime.InstanceStateRunning, afterA.State)
	assert.Equal(t, []string{"taskB"}, afterA.ActiveTokens)
	assert.Len(t, afterA.JoinArrivals["join"], 1)

	// when branch B completes as well
	tasks, _ = engine.TasksForProcessInstance(context.Background(), instance.Key)
	taskB, ok := taskByNodeId(tasks, "taskB")
	assert.True(t, ok)
	afterB, err := engine.CompleteTask(context.Background(), taskB.Id, "worker", nil, nil)
	assert.NoError(t, err)

	// then the join fired exactly once and the instance completed
	assert.Equal(t, runtime.InstanceStateCompleted, afterB.State)
	assert.Empty(t, afterB.ActiveTokens)
	assert.Empty(t, afterB.JoinArrivals)
}

func TestParallelJoinCompletionOrderDoesNotMatter(t *testing.T) {
	// given
	mustDeploy(t, forkJoinGraph("join-order"))
	instance, err := engine.StartInstanceById(context.Background(), "join-order", nil, "")
	assert.NoError(t, err)

	// when branches complete B first, then A
	tasks, _ := engine.TasksForProcessInstance(context.Background(), instance.Key)
	taskB, _ := taskByNodeId(tasks, "taskB")
	_, err = engine.CompleteTask(context.Background(), taskB.Id, "worker", nil, nil)
	assert.NoError(t, err)
	tasks, _ = engine.TasksForProcessInstance(context.Background(), instance.Key)
	taskA, _ := taskByNodeId(tasks, "taskA")
	afterBoth, err := engine.CompleteTask(context.Background(), taskA.Id, "worker", nil, nil)

	// then
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, afterBoth.State)
}

func TestInclusiveForkSpawnsAllMatchingBranches(t *testing.T) {
	// given an inclusive gateway where two of three conditions match
	def := &flow.Definition{
		Id: "inclusive-fork",
		Nodes: []flow.Node{
			{Id: "start", Type: flow.NodeTypeStartEvent},
			{Id: "split", Type: flow.NodeTypeGateway, GatewayKind: flow.GatewayKindInclusive},
			{Id: "high", Type: flow.NodeTypeUserTask, CandidateUsers: []string{"worker"}},
			{Id: "medium", Type: flow.NodeTypeUserTask, CandidateUsers: []string{"worker"}},
			{Id: "low", Type: flow.NodeTypeUserTask, CandidateUsers: []string{"worker"}},
			{Id: "end", Type: flow.NodeTypeEndEvent},
		},
		Flows: []flow.SequenceFlow{
			{Id: "f1", SourceRef: "start", TargetRef: "split"},
			{Id: "toHigh", SourceRef: "split", TargetRef: "high", ConditionExpr: "amount > 100"},
			{Id: "toMedium", SourceRef: "split", TargetRef: "medium", ConditionExpr: "amount > 10"},
			{Id: "toLow", SourceRef: "split", TargetRef: "low", ConditionExpr: "amount <= 10"},
			{Id: "f5", SourceRef: "high", TargetRef: "end"},
			{Id: "f6", SourceRef: "medium", TargetRef: "end"},
			{Id: "f7", SourceRef: "low", TargetRef: "end"},
		},
	}
	mustDeploy(t, def)

	// when
	instance, err := engine.StartInstanceById(context.Background(), "inclusive-fork", map[string]interface{}{"amount": 500}, "")
	assert.NoError(t, err)

	// then tokens park on both matching branches, the third stays dry
	assert.ElementsMatch(t, []string{"high", "medium"}, instance.ActiveTokens)
}

func TestInclusiveForkFallsBackToDefault(t *testing.T) {
	// given an inclusive gateway whose conditions all miss
	def := &flow.Definition{
		Id: "inclusive-default",
		Nodes: []flow.Node{
			{Id: "start", Type: flow.NodeTypeStartEvent},
			{Id: "split", Type: flow.NodeTypeGateway, GatewayKind: flow.GatewayKindInclusive, DefaultFlowId: "toFallback"},
			{Id: "special", Type: flow.NodeTypeUserTask, CandidateUsers: []string{"worker"}},
			{Id: "fallback", Type: flow.NodeTypeUserTask, CandidateUsers: []string{"worker"}},
			{Id: "end", Type: flow.NodeTypeEndEvent},
		},
		Flows: []flow.SequenceFlow{
			{Id: "f1", SourceRef: "start", TargetRef: "split"},
			{Id: "toSpecial", SourceRef: "split", TargetRef: "special", ConditionExpr: "vip == true"},
			{Id: "toFallback", SourceRef: "split", TargetRef: "fallback"},
			{Id: "f4", SourceRef: "special", TargetRef: "end"},
			{Id: "f5", SourceRef: "fallback", TargetRef: "end"},
		},
	}
	mustDeploy(t, def)

	// when
	instance, err := engine.StartInstanceById(context.Background(), "inclusive-default", map[string]interface{}{"vip": false}, "")
	assert.NoError(t, err)

	// then only the default branch got a token
	assert.Equal(t, []string{"fallback"}, instance.ActiveTokens)
}

func TestJoinStateSurvivesReload(t *testing.T) {
	// given a half-complete join
	mustDeploy(t, forkJoinGraph("join-reload"))
	instance, err := engine.StartInstanceById(context.Background(), "join-reload", nil, "")
	assert.NoError(t, err)
	tasks, _ := engine.TasksForProcessInstance(context.Background(), instance.Key)
	taskA, _ := taskByNodeId(tasks, "taskA")
	_, err = engine.CompleteTask(context.Background(), taskA.Id, "worker", nil, nil)
	assert.NoError(t, err)

	// when the snapshot is reloaded from storage
	reloaded, err := engine.FindProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)

	// then the partial join state is part of the snapshot
	assert.True(t, reloaded.JoinArrivals["join"]["fromA"])
	assert.NoError(t, engine.Rehydrate(context.Background()))
}

func TestRecompletingABranchDoesNotDoubleArmTheJoin(t *testing.T) {
	// given a join that already absorbed branch A's arrival
	mustDeploy(t, forkJoinGraph("join-recomplete"))
	instance, err := engine.StartInstanceById(context.Background(), "join-recomplete", nil, "")
	assert.NoError(t, err)
	tasks, _ := engine.TasksForProcessInstance(context.Background(), instance.Key)
	taskA, ok := taskByNodeId(tasks, "taskA")
	assert.True(t, ok)
	_, err = engine.CompleteTask(context.Background(), taskA.Id, "worker", nil, nil)
	assert.NoError(t, err)

	// when branch A's task is completed a second time
	_, err = engine.CompleteTask(context.Background(), taskA.Id, "worker", nil, nil)

	// then the duplicate is rejected and the join stays half-armed
	assert.Error(t, err)
	pi, err := engine.FindProcessInstance(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateRunning, pi.State)
	assert.Equal(t, []string{"taskB"}, pi.ActiveTokens)
	assert.Len(t, pi.JoinArrivals["join"], 1)

	// and completing branch B still fires the join exactly once
	tasks, _ = engine.TasksForProcessInstance(context.Background(), instance.Key)
	taskB, ok := taskByNodeId(tasks, "taskB")
	assert.True(t, ok)
	afterB, err := engine.CompleteTask(context.Background(), taskB.Id, "worker", nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, afterB.State)
	assert.Empty(t, afterB.JoinArrivals)
}
