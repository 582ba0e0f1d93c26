package onnx

import (
	"context"
	"fmt"
	"sort"
)

// Session evaluates a decoded model on the CPU. It supports the operator
// subset emitted by the GLM exporter and is meant for verifying exports of
// small models.
type Session struct {
	model   *ModelProto
	consts  map[string]*Value
	nodes   []NodeProto
	inputs  []ValueInfoProto
	outputs []string
}

// NewSession validates m and prepares it for evaluation.
func NewSession(m *ModelProto) (*Session, error) {
	if m.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}
	if v := m.Opset(); v < MinOpset {
		return nil, fmt.Errorf("opset %d is older than the supported minimum %d", v, MinOpset)
	}

	s := &Session{model: m, consts: make(map[string]*Value, len(m.Graph.Initializers))}
	for i := range m.Graph.Initializers {
		t := &m.Graph.Initializers[i]
		v, err := ValueFromTensor(t)
		if err != nil {
			return nil, err
		}
		s.consts[t.Name] = v
	}

	var unsupported []string
	for _, n := range m.Graph.Nodes {
		if _, ok := operators[n.OpType]; !ok || n.Domain != "" {
			unsupported = append(unsupported, n.OpType)
		}
	}
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return nil, fmt.Errorf("unsupported operators: %v", unsupported)
	}

	for _, in := range m.Graph.Inputs {
		if _, isConst := s.consts[in.Name]; !isConst {
			s.inputs = append(s.inputs, in)
		}
	}
	for _, out := range m.Graph.Outputs {
		s.outputs = append(s.outputs, out.Name)
	}

	nodes, err := topoSort(m.Graph.Nodes, s.available())
	if err != nil {
		return nil, err
	}
	s.nodes = nodes
	return s, nil
}

// InputNames returns the names of the runtime inputs.
func (s *Session) InputNames() []string {
	names := make([]string, len(s.inputs))
	for i, in := range s.inputs {
		names[i] = in.Name
	}
	return names
}

// OutputNames returns the graph output names.
func (s *Session) OutputNames() []string { return append([]string(nil), s.outputs...) }

func (s *Session) available() map[string]bool {
	have := make(map[string]bool, len(s.consts)+len(s.inputs))
	for name := range s.consts {
		have[name] = true
	}
	for _, in := range s.inputs {
		have[in.Name] = true
	}
	return have
}

// Run evaluates the graph. Inputs are checked against the declared element
// types, ranks and fixed dimensions.
func (s *Session) Run(ctx context.Context, inputs map[string]*Value) (map[string]*Value, error) {
	env := make(map[string]*Value, len(s.consts)+len(s.nodes))
	for name, v := range s.consts {
		env[name] = v
	}
	for _, decl := range s.inputs {
		v, ok := inputs[decl.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", decl.Name)
		}
		if err := checkInput(decl, v); err != nil {
			return nil, err
		}
		env[decl.Name] = v
	}

	for i := range s.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := &s.nodes[i]
		args := make([]*Value, len(n.Inputs))
		for j, name := range n.Inputs {
			if name == "" {
				continue
			}
			args[j] = env[name]
		}
		outs, err := operators[n.OpType](n, args)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", n.Name, n.OpType, err)
		}
		for j, name := range n.Outputs {
			if j < len(outs) {
				env[name] = outs[j]
			}
		}
	}

	result := make(map[string]*Value, len(s.outputs))
	for _, name := range s.outputs {
		v, ok := env[name]
		if !ok {
			return nil, fmt.Errorf("output %q was not produced", name)
		}
		result[name] = v
	}
	return result, nil
}

func checkInput(decl ValueInfoProto, v *Value) error {
	if decl.Type == nil || decl.Type.TensorType == nil {
		return nil
	}
	tt := decl.Type.TensorType
	if tt.ElemType != v.DataType {
		return fmt.Errorf("input %q: got %s, want %s", decl.Name, DataTypeName(v.DataType), DataTypeName(tt.ElemType))
	}
	if tt.Shape == nil {
		return nil
	}
	if len(tt.Shape.Dims) != len(v.Shape) {
		return fmt.Errorf("input %q: got rank %d, want %d", decl.Name, len(v.Shape), len(tt.Shape.Dims))
	}
	for i, d := range tt.Shape.Dims {
		if d.DimParam == "" && int(d.DimValue) != v.Shape[i] {
			return fmt.Errorf("input %q: dimension %d is %d, want %d", decl.Name, i, v.Shape[i], d.DimValue)
		}
	}
	return nil
}

// topoSort orders nodes so every input is produced before use.
func topoSort(nodes []NodeProto, have map[string]bool) ([]NodeProto, error) {
	sorted := make([]NodeProto, 0, len(nodes))
	done := make([]bool, len(nodes))
	for len(sorted) < len(nodes) {
		progress := false
		for i := range nodes {
			if done[i] || !ready(&nodes[i], have) {
				continue
			}
			for _, out := range nodes[i].Outputs {
				have[out] = true
			}
			sorted = append(sorted, nodes[i])
			done[i] = true
			progress = true
		}
		if !progress {
			for i := range nodes {
				if !done[i] {
					return nil, fmt.Errorf("graph has a cycle or a dangling input at node %s (%s)", nodes[i].Name, nodes[i].OpType)
				}
			}
		}
	}
	return sorted, nil
}

func ready(n *NodeProto, have map[string]bool) bool {
	for _, in := range n.Inputs {
		if in != "" && !have[in] {
			return false
		}
	}
	return true
}
