package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// LatestVersion selects the highest published version of a flow
const LatestVersion = 0

type Flow struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	LatestVersion int       `json:"latest_version"`
	Retired       bool      `json:"retired"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FlowVersion is an immutable snapshot of a flow's steps
type FlowVersion struct {
	FlowID    string    `json:"flow_id"`
	Version   int       `json:"version"`
	Steps     []Step    `json:"steps"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Step finds a step by id
func (v *FlowVersion) Step(id string) (*Step, bool) {
	for i := range v.Steps {
		if v.Steps[i].ID == id {
			return &v.Steps[i], true
		}
	}
	return nil, false
}

type Step struct {
	ID              string             `json:"id" yaml:"id"`
	Name            string             `json:"name" yaml:"name"`
	Connector       string             `json:"connector" yaml:"connector"`
	Action          string             `json:"action" yaml:"action"`
	Params          map[string]Binding `json:"params,omitempty" yaml:"params,omitempty"`
	Retry           *RetryPolicy       `json:"retry,omitempty" yaml:"retry,omitempty"`
	ContinueOnError bool               `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	TimeoutMs       int64              `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// ParamNames returns the names of all bound parameters, sorted
func (s *Step) ParamNames() []string {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// References returns the step ids this step reads outputs from
func (s *Step) References() []string {
	var refs []string
	for _, b := range s.Params {
		if b.IsReference() {
			refs = append(refs, b.FromStep)
		}
	}
	return refs
}

// Equal compares two steps semantically
func (s *Step) Equal(other *Step) bool {
	if s.ID != other.ID || s.Name != other.Name ||
		s.Connector != other.Connector || s.Action != other.Action ||
		s.ContinueOnError != other.ContinueOnError ||
		s.TimeoutMs != other.TimeoutMs {
		return false
	}
	if !s.Retry.Equal(other.Retry) {
		return false
	}
	if len(s.Params) != len(other.Params) {
		return false
	}
	for name, b := range s.Params {
		ob, ok := other.Params[name]
		if !ok || !b.Equal(ob) {
			return false
		}
	}
	return true
}

type RetryPolicy struct {
	MaxAttempts   int   `json:"max_attempts" yaml:"max_attempts"`
	BackoffBaseMs int64 `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffCapMs  int64 `json:"backoff_cap_ms" yaml:"backoff_cap_ms"`
}

func (p *RetryPolicy) Equal(other *RetryPolicy) bool {
	if p == nil || other == nil {
		return p == other
	}
	return *p == *other
}

// Binding is a parameter value: either a literal or a reference to a field
// of a prior step's output. An empty Field selects the whole output.
type Binding struct {
	Literal  any
	FromStep string
	Field    string
}

type reference struct {
	FromStep string `json:"from_step" yaml:"from_step"`
	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
}

func Literal(v any) Binding {
	return Binding{Literal: v}
}

func Ref(stepID, field string) Binding {
	return Binding{FromStep: stepID, Field: field}
}

func (b Binding) IsReference() bool {
	return b.FromStep != ""
}

func (b Binding) Equal(other Binding) bool {
	if b.IsReference() || other.IsReference() {
		return b.FromStep == other.FromStep && b.Field == other.Field
	}
	return reflect.DeepEqual(b.Literal, other.Literal)
}

func (b Binding) String() string {
	if b.IsReference() {
		if b.Field == "" {
			return fmt.Sprintf("<%s>", b.FromStep)
		}
		return fmt.Sprintf("<%s.%s>", b.FromStep, b.Field)
	}
	return fmt.Sprintf("%v", b.Literal)
}

func (b Binding) MarshalYAML() (any, error) {
	if b.IsReference() {
		return reference{FromStep: b.FromStep, Field: b.Field}, nil
	}
	return literalNode(b.Literal)
}

// literalNode encodes a literal with floats tagged explicitly, so 2.0 reads
// back as a float rather than an int
func literalNode(v any) (*yaml.Node, error) {
	switch t := v.(type) {
	case float64:
		return floatNode(t)
	case float32:
		return floatNode(float64(t))
	case map[string]any:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val, err := literalNode(t[k])
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}, val)
		}
		return n, nil
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range t {
			val, err := literalNode(item)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, val)
		}
		return n, nil
	}
	n := &yaml.Node{}
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	return n, nil
}

func floatNode(f float64) (*yaml.Node, error) {
	n := &yaml.Node{}
	if err := n.Encode(f); err != nil {
		return nil, err
	}
	n.Tag = "!!float"
	return n, nil
}

func (b *Binding) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode && hasKey(node, "from_step") {
		var ref reference
		if err := node.Decode(&ref); err != nil {
			return err
		}
		*b = Ref(ref.FromStep, ref.Field)
		return nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	*b = Literal(v)
	return nil
}

func (b Binding) MarshalJSON() ([]byte, error) {
	if b.IsReference() {
		return json.Marshal(reference{FromStep: b.FromStep, Field: b.Field})
	}
	return json.Marshal(b.Literal)
}

func (b *Binding) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = BindingFrom(v)
	return nil
}

// BindingFrom interprets a loosely-typed document value. A mapping with a
// "from_step" key is a reference; anything else is a literal.
func BindingFrom(v any) Binding {
	m, ok := v.(map[string]any)
	if !ok {
		return Literal(v)
	}
	from, ok := m["from_step"].(string)
	if !ok {
		return Literal(v)
	}
	field, _ := m["field"].(string)
	return Ref(from, field)
}

func hasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}
