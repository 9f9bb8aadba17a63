package bpmn

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
)

// parkUserTask materializes the user task wait point during advance.
func (engine *Engine) parkUserTask(ctx context.Context, instance *runtime.ProcessInstance, node flow.Node) error {
	task := runtime.Task{
		Id:                 uuid.NewString(),
		ProcessInstanceKey: instance.Key,
		NodeId:             node.Id,
		Name:               node.Name,
		Assignee:           node.Assignee,
		CandidateUsers:     node.CandidateUsers,
		CandidateGroups:    node.CandidateGroups,
		State:              runtime.TaskStateAvailable,
		CreatedAt:          time.Now(),
	}
	if err := engine.persistence.SaveTask(ctx, task); err != nil {
		return errors.Join(newEngineErrorf("failed to create user task for node %s", node.Id), err)
	}
	engine.metrics.userTasksCreated.Inc()
	return nil
}

// taskVisibleTo implements the visibility rule: the assignee always sees the
// task; an unassigned task is visible to candidate users and members of
// candidate groups.
func taskVisibleTo(task runtime.Task, user string, groups []string) bool {
	if task.Assignee != "" {
		return task.Assignee == user
	}
	if slices.Contains(task.CandidateUsers, user) {
		return true
	}
	for _, g := range groups {
		if slices.Contains(task.CandidateGroups, g) {
			return true
		}
	}
	return false
}

// VisibleTasks returns the open tasks the given user may see or work on.
func (engine *Engine) VisibleTasks(ctx context.Context, user string, groups []string) ([]runtime.Task, error) {
	open, err := engine.persistence.FindOpenTasks(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]runtime.Task, 0, len(open))
	for _, t := range open {
		if taskVisibleTo(t, user, groups) {
			res = append(res, t)
		}
	}
	return res, nil
}

func (engine *Engine) TasksForProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error) {
	return engine.persistence.FindTasksByProcessInstance(ctx, processInstanceKey)
}

// ClaimTask assigns the task to the user. Claiming is not idempotent: a task
// that already has an assignee cannot be claimed again, not even by the
// current assignee.
func (engine *Engine) ClaimTask(ctx context.Context, taskId string, user string, groups []string) (runtime.Task, error) {
	task, err := engine.persistence.FindTaskById(ctx, taskId)
	if err != nil {
		return task, err
	}

	unlock := engine.lockInstance(task.ProcessInstanceKey)
	defer unlock()

	// re-read under the lock, a concurrent claim may have won
	task, err = engine.persistence.FindTaskById(ctx, taskId)
	if err != nil {
		return task, err
	}
	if task.State != runtime.TaskStateAvailable {
		return task, newEngineErrorf("task %s is not available for claim, state is %s", taskId, task.State)
	}
	if task.Assignee != "" {
		return task, newEngineErrorf("task %s is already assigned to %s", taskId, task.Assignee)
	}
	if !taskVisibleTo(task, user, groups) {
		return task, newEngineErrorf("user %s is not a candidate for task %s", user, taskId)
	}
	task.Assignee = user
	task.State = runtime.TaskStateClaimed
	if err := engine.persistence.SaveTask(ctx, task); err != nil {
		return task, errors.Join(newEngineErrorf("failed to claim task %s", taskId), err)
	}
	return task, nil
}

// CompleteTask finishes the user task and re-enters the token walk at its
// node. The caller must be the assignee of a claimed task; completing a task
// straight from AVAILABLE is allowed when the caller satisfies the candidate
// predicate (claim-and-complete in one step). Rejected while the owning
// instance is suspended.
func (engine *Engine) CompleteTask(ctx context.Context, taskId string, user string, groups []string, variables map[string]interface{}) (runtime.ProcessInstance, error) {
	task, err := engine.persistence.FindTaskById(ctx, taskId)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}

	unlock := engine.lockInstance(task.ProcessInstanceKey)
	defer unlock()

	task, err = engine.persistence.FindTaskById(ctx, taskId)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	switch task.State {
	case runtime.TaskStateClaimed:
		if task.Assignee != user {
			return runtime.ProcessInstance{}, newEngineErrorf("task %s is assigned to %s, not to %s", taskId, task.Assignee, user)
		}
	case runtime.TaskStateAvailable:
		if !taskVisibleTo(task, user, groups) {
			return runtime.ProcessInstance{}, newEngineErrorf("user %s is not a candidate for task %s", user, taskId)
		}
	default:
		return runtime.ProcessInstance{}, newEngineErrorf("task %s cannot be completed in state %s", taskId, task.State)
	}

	instance, err := engine.loadInstance(ctx, task.ProcessInstanceKey)
	if err != nil {
		return instance, err
	}
	if instance.Suspended {
		return instance, newEngineErrorf("process instance %d is suspended, task %s cannot be completed", instance.Key, taskId)
	}
	if instance.IsTerminal() {
		return instance, newEngineErrorf("process instance %d is in terminal state %s", instance.Key, instance.State)
	}

	now := time.Now()
	task.State = runtime.TaskStateCompleted
	task.Assignee = user
	task.EndedAt = &now
	if err := engine.persistence.SaveTask(ctx, task); err != nil {
		return instance, errors.Join(newEngineErrorf("failed to complete task %s", taskId), err)
	}

	instance.MergeVariables(variables)
	advErr := engine.resumeToken(ctx, &instance, task.NodeId)
	if advErr == nil {
		advErr = engine.wakeConditionalTokens(ctx, &instance)
		if advErr != nil {
			instance.State = runtime.InstanceStateFailed
		}
	}
	if err := engine.saveInstance(ctx, &instance); err != nil {
		return instance, err
	}
	engine.metrics.userTasksCompleted.Inc()
	if advErr != nil {
		return instance, errors.Join(newEngineErrorf("failed to continue process instance %d after task %s", instance.Key, taskId), advErr)
	}
	return instance, nil
}

// FailTask marks the task FAILED. The token stays parked; resolving the
// situation is an operator concern (cancel the instance or redeploy).
func (engine *Engine) FailTask(ctx context.Context, taskId string) (runtime.Task, error) {
	task, err := engine.persistence.FindTaskById(ctx, taskId)
	if err != nil {
		return task, err
	}

	unlock := engine.lockInstance(task.ProcessInstanceKey)
	defer unlock()

	task, err = engine.persistence.FindTaskById(ctx, taskId)
	if err != nil {
		return task, err
	}
	if !task.IsOpen() {
		return task, newEngineErrorf("task %s cannot be failed in state %s", taskId, task.State)
	}
	now := time.Now()
	task.State = runtime.TaskStateFailed
	task.EndedAt = &now
	if err := engine.persistence.SaveTask(ctx, task); err != nil {
		return task, errors.Join(newEngineErrorf("failed to mark task %s as failed", taskId), err)
	}
	return task, nil
}
