package bpmn

import (
	"context"
	"errors"

	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
	"github.com/abada-io/abada-engine/pkg/storage"
)

// Rehydrate verifies the stored state after a restart: every non-terminal
// instance must resolve its definition graph, and partial join state must
// reference flows that still exist in that graph. Wait points themselves need
// no reconstruction — they live in storage and the pollers and request
// handlers pick them up as data.
//
// Returns an error naming the first instance that cannot be resumed; the
// caller decides whether that is fatal.
func (engine *Engine) Rehydrate(ctx context.Context) error {
	instances, err := engine.persistence.FindProcessInstances(ctx)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load process instances for rehydration"), err)
	}

	running := 0
	for _, instance := range instances {
		if instance.IsTerminal() {
			engine.terminalInstances.Add(instance.Key, instance.State)
			continue
		}
		definition, err := engine.persistence.FindProcessDefinitionById(ctx, instance.DefinitionId)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return newEngineErrorf("process instance %d references definition %s which is not deployed", instance.Key, instance.DefinitionId)
			}
			return err
		}
		if err := validateJoinState(instance, definition.IncomingCount); err != nil {
			return err
		}
		for _, nodeId := range instance.ActiveTokens {
			if _, ok := definition.NodeById(nodeId); !ok {
				return newEngineErrorf("process instance %d holds a token at unknown node %s", instance.Key, nodeId)
			}
		}
		running++
	}
	engine.logger.Info("rehydrated engine state", "instances", len(instances), "running", running)
	return nil
}

// validateJoinState checks that persisted partial join arrivals are still
// satisfiable: the gateway exists and has not already received more arrivals
// than it has incoming flows.
func validateJoinState(instance runtime.ProcessInstance, incomingCount func(string) int) error {
	for gatewayId, arrived := range instance.JoinArrivals {
		incoming := incomingCount(gatewayId)
		if incoming == 0 {
			return newEngineErrorf("process instance %d has join state for unknown gateway %s", instance.Key, gatewayId)
		}
		if len(arrived) >= incoming {
			return newEngineErrorf("process instance %d has an over-complete join at gateway %s (%d of %d arrivals)", instance.Key, gatewayId, len(arrived), incoming)
		}
	}
	return nil
}
