package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/senseyeio/duration"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
	"github.com/abada-io/abada-engine/pkg/storage"
)

// parkTimer schedules the timer wait point during advance. The node's
// definitionRef carries either an ISO 8601 duration (e.g. PT15M) relative to
// now or an absolute RFC 3339 timestamp.
func (engine *Engine) parkTimer(ctx context.Context, instance *runtime.ProcessInstance, node flow.Node) error {
	dueAt, err := evaluateTimerDuration(node.DefinitionRef, time.Now())
	if err != nil {
		return errors.Join(newEngineErrorf("invalid timer duration '%s' on node %s", node.DefinitionRef, node.Id), err)
	}
	timer := runtime.Timer{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		NodeId:             node.Id,
		CreatedAt:          time.Now(),
		DueAt:              dueAt,
	}
	if err := engine.persistence.SaveTimer(ctx, timer); err != nil {
		return errors.Join(newEngineErrorf("failed to schedule timer for node %s", node.Id), err)
	}
	return nil
}

func evaluateTimerDuration(def string, from time.Time) (time.Time, error) {
	if d, err := duration.ParseISO8601(def); err == nil {
		return d.Shift(from), nil
	}
	if at, err := time.Parse(time.RFC3339, def); err == nil {
		return at, nil
	}
	return time.Time{}, fmt.Errorf("'%s' is neither an ISO 8601 duration nor an RFC 3339 timestamp", def)
}

func (engine *Engine) pollDueTimers(ctx context.Context, end time.Time) ([]runtime.Timer, error) {
	return engine.persistence.FindDueTimers(ctx, end)
}

// fireTimer resumes the instance parked on the timer. Delivery is
// at-least-once: the timer job is deleted only after the advanced snapshot
// has been persisted, so a failed resume leaves the job for the next poll.
// A job whose token is no longer active is stale and is dropped without
// touching the instance.
func (engine *Engine) fireTimer(ctx context.Context, timer runtime.Timer) {
	if _, terminal := engine.knownTerminal(timer.ProcessInstanceKey); terminal {
		engine.deleteTimerJob(ctx, timer)
		return
	}

	unlock := engine.lockInstance(timer.ProcessInstanceKey)
	defer unlock()

	instance, err := engine.loadInstance(ctx, timer.ProcessInstanceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			engine.deleteTimerJob(ctx, timer)
			return
		}
		engine.logger.Error("failed to load process instance for timer", "timerKey", timer.Key, "processInstanceKey", timer.ProcessInstanceKey, "error", err)
		return
	}
	if instance.IsTerminal() {
		engine.deleteTimerJob(ctx, timer)
		return
	}
	if instance.Suspended {
		// the job stays; it fires once the instance is resumed
		return
	}
	if !instance.HasToken(timer.NodeId) {
		// a prior fire already moved the token past this node
		engine.deleteTimerJob(ctx, timer)
		return
	}

	advErr := engine.resumeToken(ctx, &instance, timer.NodeId)
	if advErr == nil {
		advErr = engine.wakeConditionalTokens(ctx, &instance)
		if advErr != nil {
			instance.State = runtime.InstanceStateFailed
		}
	}
	if err := engine.saveInstance(ctx, &instance); err != nil {
		engine.logger.Error("failed to persist process instance after timer fire, will retry", "timerKey", timer.Key, "error", err)
		return
	}
	if advErr != nil {
		// job stays in place; the next poll observes the failed instance
		engine.logger.Error("timer resume failed", "timerKey", timer.Key, "processInstanceKey", instance.Key, "error", advErr)
		return
	}
	engine.deleteTimerJob(ctx, timer)
	engine.metrics.timersFired.Inc()
}

func (engine *Engine) deleteTimerJob(ctx context.Context, timer runtime.Timer) {
	if err := engine.persistence.DeleteTimer(ctx, timer.Key); err != nil {
		engine.logger.Error("failed to delete timer job", "timerKey", timer.Key, "error", err)
	}
}
