package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
	"github.com/abada-io/abada-engine/pkg/storage"
)

// ErrNoSubscription is returned by CorrelateMessage when no instance waits on
// the (name, correlationKey) pair. Unmatched messages are dropped, never
// queued.
var ErrNoSubscription = errors.New("no matching message subscription")

// parkMessageSubscription registers the message wait point during advance.
// The correlation key is read from the instance's correlationKey variable at
// park time; later changes to the variable do not re-key the subscription.
func (engine *Engine) parkMessageSubscription(ctx context.Context, instance *runtime.ProcessInstance, node flow.Node) error {
	correlationKey, _ := instance.GetVariable("correlationKey").(string)
	if correlationKey == "" {
		return newEngineErrorf("process instance %d has no correlationKey variable, cannot wait for message %s", instance.Key, node.DefinitionRef)
	}
	sub := runtime.MessageSubscription{
		Key:                engine.generateKey(),
		Name:               node.DefinitionRef,
		CorrelationKey:     correlationKey,
		ProcessInstanceKey: instance.Key,
		NodeId:             node.Id,
		CreatedAt:          time.Now(),
	}
	if err := engine.persistence.SaveMessageSubscription(ctx, sub); err != nil {
		return errors.Join(newEngineErrorf("failed to register message subscription for node %s", node.Id), err)
	}
	return nil
}

func (engine *Engine) parkSignalSubscription(ctx context.Context, instance *runtime.ProcessInstance, node flow.Node) error {
	sub := runtime.SignalSubscription{
		Key:                engine.generateKey(),
		Name:               node.DefinitionRef,
		ProcessInstanceKey: instance.Key,
		NodeId:             node.Id,
		CreatedAt:          time.Now(),
	}
	if err := engine.persistence.SaveSignalSubscription(ctx, sub); err != nil {
		return errors.Join(newEngineErrorf("failed to register signal subscription for node %s", node.Id), err)
	}
	return nil
}

// CorrelateMessage resumes the single instance parked on (name,
// correlationKey). Correlation is exactly-once: the subscription is removed
// before the resume so a racing duplicate cannot match it again. When nothing
// matches, the message is dropped and ErrNoSubscription is returned.
func (engine *Engine) CorrelateMessage(ctx context.Context, name string, correlationKey string, variables map[string]interface{}) (runtime.ProcessInstance, error) {
	for {
		sub, err := engine.persistence.FindMessageSubscription(ctx, name, correlationKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				engine.logger.Info("dropping unmatched message", "name", name, "correlationKey", correlationKey)
				return runtime.ProcessInstance{}, ErrNoSubscription
			}
			return runtime.ProcessInstance{}, err
		}
		instance, retry, err := engine.correlateLocked(ctx, sub, name, correlationKey, variables)
		if retry {
			continue
		}
		return instance, err
	}
}

// correlateLocked consumes the subscription and resumes its instance under
// that instance's lock. When the pair changed owner between the caller's
// lookup and the lock (the candidate was consumed and a different instance
// re-subscribed), it backs out and asks the caller to retry so that the
// resume always runs under the current owner's lock.
func (engine *Engine) correlateLocked(ctx context.Context, candidate runtime.MessageSubscription, name string, correlationKey string, variables map[string]interface{}) (runtime.ProcessInstance, bool, error) {
	unlock := engine.lockInstance(candidate.ProcessInstanceKey)
	defer unlock()

	// re-read under the lock, a concurrent correlation may have consumed it
	sub, err := engine.persistence.FindMessageSubscription(ctx, name, correlationKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.ProcessInstance{}, false, ErrNoSubscription
		}
		return runtime.ProcessInstance{}, false, err
	}
	if sub.ProcessInstanceKey != candidate.ProcessInstanceKey {
		return runtime.ProcessInstance{}, true, nil
	}

	instance, err := engine.loadInstance(ctx, sub.ProcessInstanceKey)
	if err != nil {
		return instance, false, err
	}
	if instance.Suspended {
		return instance, false, newEngineErrorf("process instance %d is suspended, message %s cannot be correlated", instance.Key, name)
	}
	if instance.IsTerminal() {
		return instance, false, newEngineErrorf("process instance %d is in terminal state %s", instance.Key, instance.State)
	}

	if err := engine.persistence.DeleteMessageSubscription(ctx, sub.Key); err != nil {
		return instance, false, errors.Join(newEngineErrorf("failed to consume message subscription %d", sub.Key), err)
	}

	instance.MergeVariables(variables)
	advErr := engine.resumeToken(ctx, &instance, sub.NodeId)
	if advErr == nil {
		advErr = engine.wakeConditionalTokens(ctx, &instance)
		if advErr != nil {
			instance.State = runtime.InstanceStateFailed
		}
	}
	if err := engine.saveInstance(ctx, &instance); err != nil {
		return instance, false, err
	}
	engine.metrics.messagesCorrelated.Inc()
	if advErr != nil {
		return instance, false, errors.Join(newEngineErrorf("failed to continue process instance %d after message %s", instance.Key, name), advErr)
	}
	return instance, false, nil
}

// SignalResult reports the outcome of one instance's resume during a signal
// broadcast.
type SignalResult struct {
	ProcessInstanceKey int64  `json:"processInstanceKey"`
	Err                error  `json:"-"`
	Error              string `json:"error,omitempty"`
}

// BroadcastSignal resumes every instance currently subscribed to the signal
// name. Each resume is isolated: one instance failing does not stop the
// broadcast, and the per-instance outcome is reported to the caller.
// Subscriptions are consumed by the broadcast whether the resume succeeds or
// not.
func (engine *Engine) BroadcastSignal(ctx context.Context, name string, variables map[string]interface{}) ([]SignalResult, error) {
	subs, err := engine.persistence.FindSignalSubscriptionsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	results := make([]SignalResult, 0, len(subs))
	for _, sub := range subs {
		err := engine.resumeFromSignal(ctx, sub, variables)
		result := SignalResult{ProcessInstanceKey: sub.ProcessInstanceKey, Err: err}
		if err != nil {
			result.Error = err.Error()
			engine.logger.Error(fmt.Sprintf("Failed to resume process instance %d from signal %s: %s", sub.ProcessInstanceKey, name, err))
		}
		results = append(results, result)
	}
	engine.metrics.signalsBroadcast.Inc()
	return results, nil
}

func (engine *Engine) resumeFromSignal(ctx context.Context, sub runtime.SignalSubscription, variables map[string]interface{}) error {
	unlock := engine.lockInstance(sub.ProcessInstanceKey)
	defer unlock()

	if err := engine.persistence.DeleteSignalSubscription(ctx, sub.Key); err != nil {
		return errors.Join(newEngineErrorf("failed to consume signal subscription %d", sub.Key), err)
	}

	instance, err := engine.loadInstance(ctx, sub.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if instance.Suspended {
		return newEngineErrorf("process instance %d is suspended", instance.Key)
	}
	if instance.IsTerminal() {
		return newEngineErrorf("process instance %d is in terminal state %s", instance.Key, instance.State)
	}

	instance.MergeVariables(variables)
	advErr := engine.resumeToken(ctx, &instance, sub.NodeId)
	if advErr == nil {
		advErr = engine.wakeConditionalTokens(ctx, &instance)
		if advErr != nil {
			instance.State = runtime.InstanceStateFailed
		}
	}
	if err := engine.saveInstance(ctx, &instance); err != nil {
		return err
	}
	return advErr
}
