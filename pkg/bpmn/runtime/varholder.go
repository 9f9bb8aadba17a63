package runtime

// VariableHolder is a two-level variable scope used while executing embedded
// delegates: reads fall through to the parent (the instance variables), writes
// stay local until propagated.
type VariableHolder struct {
	parent *VariableHolder
	local  map[string]any
}

func NewVariableHolder(parent *VariableHolder, local map[string]any) VariableHolder {
	if local == nil {
		local = make(map[string]any)
	}
	return VariableHolder{parent: parent, local: local}
}

func NewVariableHolderFromMap(vars map[string]any) VariableHolder {
	root := NewVariableHolder(nil, vars)
	return root
}

func (vh *VariableHolder) GetVariable(key string) any {
	if v, ok := vh.local[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

func (vh *VariableHolder) SetVariable(key string, value any) {
	vh.local[key] = value
}

func (vh *VariableHolder) LocalVariables() map[string]any {
	return vh.local
}

// Variables flattens the scope chain, local values shadowing parent ones.
func (vh *VariableHolder) Variables() map[string]any {
	out := make(map[string]any)
	if vh.parent != nil {
		for k, v := range vh.parent.Variables() {
			out[k] = v
		}
	}
	for k, v := range vh.local {
		out[k] = v
	}
	return out
}

// PropagateToParent copies every local variable into the parent scope.
func (vh *VariableHolder) PropagateToParent() {
	if vh.parent == nil {
		return
	}
	for k, v := range vh.local {
		vh.parent.SetVariable(k, v)
	}
}
