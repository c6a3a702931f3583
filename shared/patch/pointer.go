package patch

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Pointer builds an escaped JSON pointer from raw reference tokens.
// Pointer("players", "a/b") == "/players/a~1b".
func Pointer(tokens ...string) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		t = strings.ReplaceAll(t, "~", "~0")
		t = strings.ReplaceAll(t, "/", "~1")
		b.WriteString(t)
	}
	return b.String()
}

func parsePointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if p[0] != '/' {
		return nil, fmt.Errorf("%w: pointer %q must start with '/'", ErrInvalidPath, p)
	}
	parts := strings.Split(p[1:], "/")
	for i, s := range parts {
		if !strings.Contains(s, "~") {
			continue
		}
		for j := 0; j < len(s); j++ {
			if s[j] == '~' && (j+1 >= len(s) || (s[j+1] != '0' && s[j+1] != '1')) {
				return nil, fmt.Errorf("%w: bad escape in %q", ErrInvalidPath, p)
			}
		}
		s = strings.ReplaceAll(s, "~1", "/")
		parts[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return parts, nil
}

// arrayIndex parses an array reference token and checks it against the inclusive upper bound max.
func arrayIndex(tok string, max int) (int, error) {
	if tok == "-" {
		return 0, fmt.Errorf("%w: '-' does not reference an existing element", ErrPathNotFound)
	}
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPath, tok)
	}
	for _, c := range tok {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPath, tok)
		}
	}
	i, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPath, tok)
	}
	if i > max {
		return 0, fmt.Errorf("%w: index %d out of range", ErrPathNotFound, i)
	}
	return i, nil
}

// Equal reports whether two decoded JSON values are equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Clone returns a deep copy of a decoded JSON value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return t
	}
}

// Add builds an add operation, encoding value as JSON.
func Add(path string, value any) (Operation, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return Operation{Op: OpAdd, Path: path, Value: raw}, nil
}

// Replace builds a replace operation, encoding value as JSON.
func Replace(path string, value any) (Operation, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return Operation{Op: OpReplace, Path: path, Value: raw}, nil
}

// Remove builds a remove operation.
func Remove(path string) Operation {
	return Operation{Op: OpRemove, Path: path}
}
