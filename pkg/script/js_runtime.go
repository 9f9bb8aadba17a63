package script

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

type JsRunnerFactory struct {
}

func (JsRunnerFactory) NewRunner() Runner {
	return newJsRunner()
}

type JsRuntime struct {
	pool *RunnerPool
}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: NewRunnerPool(ctx, JsRunnerFactory{}, maxVmPoolSize, minVmPoolSize),
	}
}

// RunScript executes the script with the given variables bound as globals and
// returns the script's completion value exported to a Go value. Globals set
// by the script are not read back; a script that wants to publish results
// must evaluate to an object.
func (r *JsRuntime) RunScript(script string, variables map[string]any) (any, error) {
	var runner = r.pool.GetRunnerFromPool()
	defer r.pool.ReturnRunnerToPool(runner)

	return runner.(*JsRunner).runScript(script, variables)
}

type JsRunner struct {
	vm *goja.Runtime
}

func (r *JsRunner) Runner() {}

func newJsRunner() *JsRunner {
	r := JsRunner{vm: goja.New()}
	return &r
}

func (r *JsRunner) runScript(script string, variables map[string]any) (interface{}, error) {
	for k, v := range variables {
		if err := r.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("error binding variable %q: %v", k, err)
		}
	}
	// clear bindings afterwards so a pooled VM does not leak one
	// instance's variables into the next script
	defer func() {
		for k := range variables {
			_ = r.vm.GlobalObject().Delete(k)
		}
	}()

	resp, err := r.vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("error running script \"%s\" : %v", script, err)
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Export(), nil
}
