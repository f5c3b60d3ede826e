// Package operation defines the state-changing request that flows through
// the offline queue, the result an Executor returns for it, and the
// Executor contract itself.
package operation

import (
	"context"
	"fmt"
	"strings"
)

// Kind classifies an operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// DefaultIDField is the variable holding an entity's primary identifier.
const DefaultIDField = "id"

// Operation is a single logical write submitted by a caller. It must be
// JSON-serializable without loss.
type Operation struct {
	Name      string         `json:"name"`
	Kind      Kind           `json:"kind,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`

	// IDField names the identifier variable; empty means DefaultIDField.
	IDField string `json:"idField,omitempty"`

	// ClientID is the provisional identifier assigned at enqueue time.
	ClientID string `json:"clientId,omitempty"`

	// Base is the last server-acknowledged snapshot of the entity, used
	// for three-way conflict resolution.
	Base map[string]any `json:"base,omitempty"`
}

// IdentifierField returns the effective identifier variable name.
func (o Operation) IdentifierField() string {
	if o.IDField == "" {
		return DefaultIDField
	}
	return o.IDField
}

// ID returns the identifier variable as a string, if present.
func (o Operation) ID() (string, bool) {
	v, ok := o.Variables[o.IdentifierField()]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsCreate reports whether this operation creates an entity.
func (o Operation) IsCreate() bool {
	return o.Kind == KindCreate
}

// Clone returns a copy whose Variables and Base maps can be mutated
// without affecting o. Nested values are copied as well.
func (o Operation) Clone() Operation {
	c := o
	c.Variables = cloneMap(o.Variables)
	c.Base = cloneMap(o.Base)
	return c
}

func (o Operation) String() string {
	if o.Kind == "" {
		return o.Name
	}
	return fmt.Sprintf("%s(%s)", o.Name, o.Kind)
}

// ResultError is an application-level failure reported by the backend.
type ResultError struct {
	Message string   `json:"message"`
	Path    []string `json:"path,omitempty"`
}

func (e ResultError) Error() string {
	if len(e.Path) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", strings.Join(e.Path, "."), e.Message)
}

// ConflictInfo is returned by a backend that detected a state-marker
// mismatch for a write.
type ConflictInfo struct {
	Server           map[string]any `json:"serverState"`
	Client           map[string]any `json:"clientState"`
	ResolvedOnServer bool           `json:"resolvedOnServer"`
}

// Result is what an Executor returns for a processed operation. A
// non-empty Errors slice means the backend processed and rejected the
// write; it is distinct from a returned Go error, which means the
// operation never reached a definitive outcome.
type Result struct {
	Data     map[string]any `json:"data,omitempty"`
	Errors   []ResultError  `json:"errors,omitempty"`
	Conflict *ConflictInfo  `json:"conflict,omitempty"`
}

// HasErrors reports whether the backend rejected the operation.
func (r Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// Executor performs a remote operation.
type Executor interface {
	Execute(ctx context.Context, op Operation) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op Operation) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, op Operation) (Result, error) {
	return f(ctx, op)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
