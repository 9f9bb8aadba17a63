package bpmn

import (
	"fmt"
	"strings"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
)

// exclusivelyFilterByConditionExpression picks the single flow an exclusive
// gateway routes to: the first flow in declaration order whose condition
// evaluates to true, otherwise the default flow. A flow without a condition
// counts as always true. When nothing matches and no default exists, the
// gateway cannot route and an ExpressionEvaluationError is returned.
func (engine *Engine) exclusivelyFilterByConditionExpression(flows []flow.SequenceFlow, defaultFlowId string, variableContext map[string]interface{}) ([]flow.SequenceFlow, error) {
	var ret []flow.SequenceFlow
	flowIds := strings.Builder{}
	for _, f := range flows {
		if f.Id == defaultFlowId {
			continue
		}
		if f.ConditionExpr == "" {
			ret = append(ret, f)
			break
		}
		flowIds.WriteString(fmt.Sprintf("[id='%s']", f.Id))
		out, err := engine.evaluator.evaluateToBool(f.ConditionExpr, variableContext)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("Error evaluating expression in flow element id='%s'", f.Id),
				Err: err,
			}
		}
		if out {
			ret = append(ret, f)
			break
		}
	}
	if len(ret) == 0 {
		defaultFlow, ok := findFlowById(flows, defaultFlowId)
		if !ok {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("No default flow, nor matching expressions found, for flow elements: %s", flowIds.String()),
			}
		}
		ret = append(ret, defaultFlow)
	}
	return ret, nil
}

// inclusivelyFilterByConditionExpression returns every flow whose condition
// evaluates to true. Unconditional flows always match. When nothing matches,
// the default flow is taken; with no default either, the gateway cannot route.
func (engine *Engine) inclusivelyFilterByConditionExpression(flows []flow.SequenceFlow, defaultFlowId string, variableContext map[string]interface{}) ([]flow.SequenceFlow, error) {
	var ret []flow.SequenceFlow
	for _, f := range flows {
		if f.Id == defaultFlowId {
			continue
		}
		if f.ConditionExpr == "" {
			ret = append(ret, f)
			continue
		}
		out, err := engine.evaluator.evaluateToBool(f.ConditionExpr, variableContext)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("Error evaluating expression in flow element id='%s'", f.Id),
				Err: err,
			}
		}
		if out {
			ret = append(ret, f)
		}
	}
	if len(ret) == 0 {
		defaultFlow, ok := findFlowById(flows, defaultFlowId)
		if !ok {
			return nil, &ExpressionEvaluationError{
				Msg: "No default flow, nor matching expressions found for inclusive gateway",
			}
		}
		ret = append(ret, defaultFlow)
	}
	return ret, nil
}

func findFlowById(flows []flow.SequenceFlow, id string) (flow.SequenceFlow, bool) {
	if id == "" {
		return flow.SequenceFlow{}, false
	}
	for _, f := range flows {
		if f.Id == id {
			return f, true
		}
	}
	return flow.SequenceFlow{}, false
}
