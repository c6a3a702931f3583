// Package patch implements atomic JSON Patch application over decoded JSON trees.
//
// Documents are the values produced by encoding/json when decoding into `any`
// (map[string]any, []any, string, float64, bool, nil). Apply never mutates its
// input: every operation rebuilds the containers along the touched path and
// shares the untouched subtrees, so a caller holding a previous document keeps
// a valid, unchanged value. A patch either applies completely or returns an
// *OpError and no new document.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Operation kinds (wire-stable).
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

var (
	// ErrPathNotFound is returned when a path (or the parent of an add target) does not exist.
	ErrPathNotFound = errors.New("path not found")

	// ErrInvalidPath is returned for malformed pointers, traversal through scalars,
	// bad array indexes and moves into a descendant of the source.
	ErrInvalidPath = errors.New("invalid path")

	// ErrTestFailed is returned when a test operation does not match.
	ErrTestFailed = errors.New("test failed")

	// ErrInvalidPatch is returned for structurally invalid operations (unknown op, missing value/from).
	ErrInvalidPatch = errors.New("invalid patch")
)

// Operation is one JSON Patch operation.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an ordered, atomic list of operations.
type Patch []Operation

// OpError reports which operation of a patch failed and why.
// Kind is always one of the package sentinel errors.
type OpError struct {
	Index int
	Op    string
	Path  string
	Kind  error
	Msg   string
}

func (e *OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("patch: op %d (%s %s): %v", e.Index, e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("patch: op %d (%s %s): %v: %s", e.Index, e.Op, e.Path, e.Kind, e.Msg)
}

func (e *OpError) Unwrap() error { return e.Kind }

// Decode parses a JSON array of operations and validates its structure.
func Decode(data []byte) (Patch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return nil, &OpError{Index: -1, Kind: ErrInvalidPatch, Msg: "patch must be a JSON array"}
	}
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &OpError{Index: -1, Kind: ErrInvalidPatch, Msg: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks every operation without touching a document.
func (p Patch) Validate() error {
	for i, op := range p {
		if err := op.validate(); err != nil {
			return wrapOp(i, op, err)
		}
	}
	return nil
}

func (op Operation) validate() error {
	switch op.Op {
	case OpAdd, OpReplace, OpTest:
		if len(op.Value) == 0 {
			return fmt.Errorf("%w: missing value", ErrInvalidPatch)
		}
	case OpRemove:
	case OpMove, OpCopy:
		if _, err := parsePointer(op.From); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidPatch, op.Op)
	}
	_, err := parsePointer(op.Path)
	return err
}

// Apply applies p to doc and returns the new document.
// On failure doc is untouched and the returned error is an *OpError.
func Apply(doc any, p Patch) (any, error) {
	cur := doc
	for i, op := range p {
		next, err := applyOne(cur, op)
		if err != nil {
			return nil, wrapOp(i, op, err)
		}
		cur = next
	}
	return cur, nil
}

// ApplyJSON decodes doc, applies p and re-encodes the result.
func ApplyJSON(doc []byte, p Patch) ([]byte, error) {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("patch: decode document: %w", err)
	}
	out, err := Apply(v, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func wrapOp(i int, op Operation, err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe
	}
	kind := ErrInvalidPatch
	for _, k := range []error{ErrPathNotFound, ErrInvalidPath, ErrTestFailed, ErrInvalidPatch} {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	msg := strings.TrimPrefix(err.Error(), kind.Error())
	msg = strings.TrimPrefix(msg, ": ")
	return &OpError{Index: i, Op: op.Op, Path: op.Path, Kind: kind, Msg: msg}
}

func applyOne(doc any, op Operation) (any, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	path, _ := parsePointer(op.Path)

	switch op.Op {
	case OpAdd:
		v, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		return add(doc, path, v)

	case OpRemove:
		return remove(doc, path)

	case OpReplace:
		v, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		return replace(doc, path, v)

	case OpMove:
		from, _ := parsePointer(op.From)
		v, err := get(doc, from)
		if err != nil {
			return nil, err
		}
		if op.From == op.Path {
			return doc, nil
		}
		if isPrefix(from, path) {
			return nil, fmt.Errorf("%w: cannot move %q into its own descendant %q", ErrInvalidPath, op.From, op.Path)
		}
		doc, err = remove(doc, from)
		if err != nil {
			return nil, err
		}
		return add(doc, path, v)

	case OpCopy:
		from, _ := parsePointer(op.From)
		v, err := get(doc, from)
		if err != nil {
			return nil, err
		}
		// Values are never mutated in place, so sharing v between both locations is safe.
		return add(doc, path, v)

	case OpTest:
		want, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		got, err := get(doc, path)
		if err != nil {
			return nil, err
		}
		if !Equal(got, want) {
			return nil, ErrTestFailed
		}
		return doc, nil
	}
	return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidPatch, op.Op)
}

func decodeValue(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: bad value: %v", ErrInvalidPatch, err)
	}
	return v, nil
}

// isPrefix reports whether from is a strict ancestor of path.
func isPrefix(from, path []string) bool {
	if len(from) >= len(path) {
		return false
	}
	for i := range from {
		if from[i] != path[i] {
			return false
		}
	}
	return true
}

func get(node any, path []string) (any, error) {
	cur := node
	for _, tok := range path {
		switch n := cur.(type) {
		case map[string]any:
			v, ok := n[tok]
			if !ok {
				return nil, ErrPathNotFound
			}
			cur = v
		case []any:
			i, err := arrayIndex(tok, len(n)-1)
			if err != nil {
				return nil, err
			}
			cur = n[i]
		default:
			return nil, fmt.Errorf("%w: cannot traverse into scalar at %q", ErrInvalidPath, tok)
		}
	}
	return cur, nil
}

// update rebuilds the containers along path[:len-1] and lets fn produce the new parent.
func update(node any, path []string, fn func(parent any, key string) (any, error)) (any, error) {
	if len(path) == 1 {
		return fn(node, path[0])
	}
	head := path[0]
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[head]
		if !ok {
			return nil, ErrPathNotFound
		}
		nc, err := update(child, path[1:], fn)
		if err != nil {
			return nil, err
		}
		out := copyMap(n)
		out[head] = nc
		return out, nil
	case []any:
		i, err := arrayIndex(head, len(n)-1)
		if err != nil {
			return nil, err
		}
		nc, err := update(n[i], path[1:], fn)
		if err != nil {
			return nil, err
		}
		out := append([]any(nil), n...)
		out[i] = nc
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot traverse into scalar at %q", ErrInvalidPath, head)
	}
}

func add(doc any, path []string, v any) (any, error) {
	if len(path) == 0 {
		return v, nil
	}
	return update(doc, path, func(parent any, key string) (any, error) {
		switch p := parent.(type) {
		case map[string]any:
			out := copyMap(p)
			out[key] = v
			return out, nil
		case []any:
			i := len(p)
			if key != "-" {
				var err error
				if i, err = arrayIndex(key, len(p)); err != nil {
					return nil, err
				}
			}
			out := make([]any, 0, len(p)+1)
			out = append(out, p[:i]...)
			out = append(out, v)
			out = append(out, p[i:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("%w: parent of %q is not a container", ErrInvalidPath, key)
		}
	})
}

func remove(doc any, path []string) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: cannot remove the document root", ErrInvalidPath)
	}
	return update(doc, path, func(parent any, key string) (any, error) {
		switch p := parent.(type) {
		case map[string]any:
			if _, ok := p[key]; !ok {
				return nil, ErrPathNotFound
			}
			out := copyMap(p)
			delete(out, key)
			return out, nil
		case []any:
			i, err := arrayIndex(key, len(p)-1)
			if err != nil {
				return nil, err
			}
			out := make([]any, 0, len(p)-1)
			out = append(out, p[:i]...)
			out = append(out, p[i+1:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("%w: parent of %q is not a container", ErrInvalidPath, key)
		}
	})
}

func replace(doc any, path []string, v any) (any, error) {
	if len(path) == 0 {
		return v, nil
	}
	return update(doc, path, func(parent any, key string) (any, error) {
		switch p := parent.(type) {
		case map[string]any:
			if _, ok := p[key]; !ok {
				return nil, ErrPathNotFound
			}
			out := copyMap(p)
			out[key] = v
			return out, nil
		case []any:
			i, err := arrayIndex(key, len(p)-1)
			if err != nil {
				return nil, err
			}
			out := append([]any(nil), p...)
			out[i] = v
			return out, nil
		default:
			return nil, fmt.Errorf("%w: parent of %q is not a container", ErrInvalidPath, key)
		}
	})
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
