package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
)

// maxAdvanceHops caps the number of node executions in one advance walk.
// A graph with a condition-free cycle would otherwise spin forever.
const maxAdvanceHops = 2048

// tokenMove is one pending position change in the advance work list: the
// token enters nodeId via the given sequence flow. viaFlowId is empty only
// for the start event.
type tokenMove struct {
	nodeId    string
	viaFlowId string
}

// advanceFrom enters the graph at the given node (the start event) and walks
// until every token parks or the instance completes.
func (engine *Engine) advanceFrom(ctx context.Context, instance *runtime.ProcessInstance, startNodeId string) error {
	return engine.advance(ctx, instance, []tokenMove{{nodeId: startNodeId}})
}

// resumeToken consumes the token parked at nodeId and continues the walk
// along its outgoing flows. Callers must hold the instance lock and must have
// verified the wait point's own preconditions (task completed, timer due,
// message matched). The token must actually be parked there.
func (engine *Engine) resumeToken(ctx context.Context, instance *runtime.ProcessInstance, nodeId string) error {
	if !instance.RemoveToken(nodeId) {
		return newEngineErrorf("process instance %d holds no token at node %s", instance.Key, nodeId)
	}
	node, ok := instance.Definition.NodeById(nodeId)
	if !ok {
		return newEngineErrorf("node %s not found in definition %s", nodeId, instance.DefinitionId)
	}
	return engine.advance(ctx, instance, engine.movesAlongOutgoing(instance, node))
}

// advance is the core token walk. It drains the work list, executing each
// node a token enters: pass-through nodes queue their successors, wait states
// park the token as data (registry row plus active token) and produce
// nothing, gateways route. The walk is synchronous and never blocks; when it
// returns, every remaining token sits at a wait point.
//
// Routing and evaluation errors fail the whole instance; the caller still
// persists the snapshot so the FAILED state is durable.
func (engine *Engine) advance(ctx context.Context, instance *runtime.ProcessInstance, queue []tokenMove) error {
	hops := 0
	for len(queue) > 0 {
		move := queue[0]
		queue = queue[1:]

		hops++
		if hops > maxAdvanceHops {
			instance.State = runtime.InstanceStateFailed
			return newEngineErrorf("process instance %d exceeded %d hops, aborting (cycle without wait state?)", instance.Key, maxAdvanceHops)
		}

		node, ok := instance.Definition.NodeById(move.nodeId)
		if !ok {
			instance.State = runtime.InstanceStateFailed
			return newEngineErrorf("flow %s targets unknown node %s in definition %s", move.viaFlowId, move.nodeId, instance.DefinitionId)
		}

		next, err := engine.executeNode(ctx, instance, node, move.viaFlowId)
		if err != nil {
			instance.State = runtime.InstanceStateFailed
			return errors.Join(newEngineErrorf("failed to execute node %s in process instance %d", node.Id, instance.Key), err)
		}
		queue = append(queue, next...)
	}

	if instance.State == runtime.InstanceStateRunning &&
		len(instance.ActiveTokens) == 0 && len(instance.JoinArrivals) == 0 {
		instance.State = runtime.InstanceStateCompleted
	}
	return nil
}

func (engine *Engine) executeNode(ctx context.Context, instance *runtime.ProcessInstance, node flow.Node, viaFlowId string) ([]tokenMove, error) {
	switch node.Type {
	case flow.NodeTypeStartEvent:
		return engine.movesAlongOutgoing(instance, node), nil

	case flow.NodeTypeEndEvent:
		// token is consumed; completion is decided after the walk drains
		return nil, nil

	case flow.NodeTypeUserTask:
		if err := engine.parkUserTask(ctx, instance, node); err != nil {
			return nil, err
		}
		instance.AddToken(node.Id)
		return nil, nil

	case flow.NodeTypeServiceTask:
		if node.TopicName != "" {
			if err := engine.parkExternalTask(ctx, instance, node); err != nil {
				return nil, err
			}
			instance.AddToken(node.Id)
			return nil, nil
		}
		if err := engine.runEmbeddedDelegate(ctx, instance, node); err != nil {
			return nil, err
		}
		return engine.movesAlongOutgoing(instance, node), nil

	case flow.NodeTypeCatchEvent:
		return engine.executeCatchEvent(ctx, instance, node)

	case flow.NodeTypeGateway:
		return engine.executeGateway(instance, node, viaFlowId)

	default:
		return nil, newEngineErrorf("unsupported node type %s for node %s", node.Type, node.Id)
	}
}

func (engine *Engine) executeCatchEvent(ctx context.Context, instance *runtime.ProcessInstance, node flow.Node) ([]tokenMove, error) {
	switch node.EventKind {
	case flow.EventKindConditional:
		// evaluated on arrival; when false the token parks and is
		// re-checked whenever instance variables change
		ok, err := engine.evaluator.evaluateToBool(node.DefinitionRef, instance.Variables)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("Error evaluating condition of catch event id='%s'", node.Id),
				Err: err,
			}
		}
		if ok {
			return engine.movesAlongOutgoing(instance, node), nil
		}
		instance.AddToken(node.Id)
		return nil, nil

	case flow.EventKindTimer:
		if err := engine.parkTimer(ctx, instance, node); err != nil {
			return nil, err
		}
		instance.AddToken(node.Id)
		return nil, nil

	case flow.EventKindMessage:
		if err := engine.parkMessageSubscription(ctx, instance, node); err != nil {
			return nil, err
		}
		instance.AddToken(node.Id)
		return nil, nil

	case flow.EventKindSignal:
		if err := engine.parkSignalSubscription(ctx, instance, node); err != nil {
			return nil, err
		}
		instance.AddToken(node.Id)
		return nil, nil

	default:
		return nil, newEngineErrorf("catch event %s has unsupported kind %s", node.Id, node.EventKind)
	}
}

// executeGateway handles join synchronization and fork routing. A gateway
// with multiple incoming flows only proceeds once every incoming flow has
// delivered a token for the current join attempt; earlier arrivals are
// absorbed into the instance's join state instead of occupying a token.
func (engine *Engine) executeGateway(instance *runtime.ProcessInstance, node flow.Node, viaFlowId string) ([]tokenMove, error) {
	definition := instance.Definition
	if incoming := definition.IncomingCount(node.Id); incoming > 1 {
		if viaFlowId == "" {
			return nil, newEngineErrorf("joining gateway %s entered without a flow", node.Id)
		}
		if !instance.RecordJoinArrival(node.Id, viaFlowId, incoming) {
			return nil, nil
		}
	}

	outgoing := definition.Outgoing(node.Id)
	if len(outgoing) == 0 {
		return nil, newEngineErrorf("gateway %s has no outgoing flows", node.Id)
	}
	defaultFlowId := ""
	if f, ok := definition.DefaultFlow(node.Id); ok {
		defaultFlowId = f.Id
	}

	var selected []flow.SequenceFlow
	var err error
	switch node.GatewayKind {
	case flow.GatewayKindExclusive:
		selected, err = engine.exclusivelyFilterByConditionExpression(outgoing, defaultFlowId, instance.Variables)
	case flow.GatewayKindParallel:
		selected = outgoing
	case flow.GatewayKindInclusive:
		selected, err = engine.inclusivelyFilterByConditionExpression(outgoing, defaultFlowId, instance.Variables)
	default:
		return nil, newEngineErrorf("gateway %s has unsupported kind %s", node.Id, node.GatewayKind)
	}
	if err != nil {
		return nil, err
	}

	moves := make([]tokenMove, 0, len(selected))
	for _, f := range selected {
		moves = append(moves, tokenMove{nodeId: f.TargetRef, viaFlowId: f.Id})
	}
	return moves, nil
}

// movesAlongOutgoing follows every outgoing flow of a non-gateway node.
func (engine *Engine) movesAlongOutgoing(instance *runtime.ProcessInstance, node flow.Node) []tokenMove {
	outgoing := instance.Definition.Outgoing(node.Id)
	moves := make([]tokenMove, 0, len(outgoing))
	for _, f := range outgoing {
		moves = append(moves, tokenMove{nodeId: f.TargetRef, viaFlowId: f.Id})
	}
	return moves
}

// wakeConditionalTokens re-evaluates parked conditional catch events after a
// variable change and resumes those whose condition now holds. Callers must
// hold the instance lock.
func (engine *Engine) wakeConditionalTokens(ctx context.Context, instance *runtime.ProcessInstance) error {
	for {
		resumed := false
		for _, nodeId := range instance.ActiveTokens {
			node, ok := instance.Definition.NodeById(nodeId)
			if !ok || node.Type != flow.NodeTypeCatchEvent || node.EventKind != flow.EventKindConditional {
				continue
			}
			holds, err := engine.evaluator.evaluateToBool(node.DefinitionRef, instance.Variables)
			if err != nil {
				return &ExpressionEvaluationError{
					Msg: fmt.Sprintf("Error evaluating condition of catch event id='%s'", node.Id),
					Err: err,
				}
			}
			if !holds {
				continue
			}
			if err := engine.resumeToken(ctx, instance, nodeId); err != nil {
				return err
			}
			resumed = true
			break
		}
		if !resumed {
			return nil
		}
	}
}

// runEmbeddedDelegate executes a registered handler or an inline script on
// the advancing goroutine. Handler writes land in a child scope and are only
// propagated on success.
func (engine *Engine) runEmbeddedDelegate(ctx context.Context, instance *runtime.ProcessInstance, node flow.Node) error {
	if node.DelegateRef != "" {
		handler, ok := engine.delegate(node.DelegateRef)
		if !ok {
			return newEngineErrorf("no delegate registered for ref %s (service task %s)", node.DelegateRef, node.Id)
		}
		parent := runtime.NewVariableHolderFromMap(instance.Variables)
		holder := runtime.NewVariableHolder(&parent, nil)
		if err := handler(ctx, &holder); err != nil {
			return errors.Join(newEngineErrorf("delegate %s failed for service task %s", node.DelegateRef, node.Id), err)
		}
		instance.MergeVariables(holder.LocalVariables())
		return nil
	}
	if node.Script != "" {
		result, err := engine.scripts.RunScript(node.Script, instance.Variables)
		if err != nil {
			return errors.Join(newEngineErrorf("script failed for service task %s", node.Id), err)
		}
		if out, ok := result.(map[string]interface{}); ok {
			instance.MergeVariables(out)
		}
		return nil
	}
	// a service task with neither delegate nor script nor topic is a
	// pass-through
	engine.logger.Warn("service task has no delegate, script or topic", "nodeId", node.Id)
	return nil
}
