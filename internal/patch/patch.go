// Package patch implements RFC 6902 JSON-Patch application plus the Huly
// extension operations (add-safe, inc, remove-safe) selected by the "hop"
// discriminator.
package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/hulylake/store/internal/domain"
)

// standardOp is a literal RFC 6902 operation.
type standardOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// hulyOp is a Huly extension operation keyed by "hop" instead of "op" so it
// cannot collide with a standard op during deserialization.
type hulyOp struct {
	Hop   string          `json:"hop"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	Safe  bool            `json:"safe,omitempty"`
}

// Operation is one element of a patch array: a standard RFC 6902 op or a
// Huly extension op, resolved at unmarshal time.
type Operation struct {
	std  *standardOp
	huly *hulyOp
}

// UnmarshalJSON implements the try-op-then-hop deserialization rule: a
// patch element is first attempted as a standard op; on failure, as a Huly
// extension op; failure of both yields an error quoting both sub-errors.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var std standardOp
	stdErr := json.Unmarshal(data, &std)
	if stdErr == nil && std.Op != "" {
		o.std = &std
		return nil
	}
	if stdErr == nil {
		stdErr = fmt.Errorf("missing \"op\" discriminator")
	}

	var huly hulyOp
	hulyErr := json.Unmarshal(data, &huly)
	if hulyErr == nil && huly.Hop != "" {
		switch huly.Hop {
		case "add", "inc", "remove":
			o.huly = &huly
			return nil
		default:
			return fmt.Errorf("unknown hop discriminator %q", huly.Hop)
		}
	}
	if hulyErr == nil {
		hulyErr = fmt.Errorf("missing \"hop\" discriminator")
	}

	return fmt.Errorf("failed to deserialize as standard op: %s. Also failed to deserialize as huly op: %s", stdErr, hulyErr)
}

// ParseOps decodes a JSON-Patch array, resolving each element to either a
// standard or Huly operation.
func ParseOps(raw []byte) ([]Operation, error) {
	var ops []Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, &domain.PatchError{Reason: err.Error()}
	}
	return ops, nil
}

// Apply applies ops to doc in order and returns the resulting document.
// Huly ops are translated to standard ops (or dropped as safe no-ops)
// before being applied through the standard JSON-Patch engine.
func Apply(doc []byte, ops []Operation) ([]byte, error) {
	current := doc
	for _, op := range ops {
		translated, err := translate(current, op)
		if err != nil {
			return nil, err
		}
		if translated == nil {
			continue
		}

		patchJSON, err := json.Marshal([]standardOp{*translated})
		if err != nil {
			return nil, fmt.Errorf("marshal translated op: %w", err)
		}
		p, err := jsonpatch.DecodePatch(patchJSON)
		if err != nil {
			return nil, fmt.Errorf("decode translated op: %w", err)
		}
		next, err := p.Apply(current)
		if err != nil {
			return nil, &domain.PatchError{Reason: err.Error()}
		}
		current = next
	}
	return current, nil
}

func translate(doc []byte, op Operation) (*standardOp, error) {
	if op.std != nil {
		return op.std, nil
	}

	huly := op.huly
	switch huly.Hop {
	case "add":
		return translateAdd(doc, huly)
	case "inc":
		return translateInc(doc, huly)
	case "remove":
		return translateRemove(doc, huly)
	default:
		return nil, fmt.Errorf("unknown hop discriminator %q", huly.Hop)
	}
}

func translateAdd(doc []byte, op *hulyOp) (*standardOp, error) {
	_, exists := resolvePointer(doc, op.Path)
	if op.Safe && exists {
		return nil, nil
	}
	return &standardOp{Op: "add", Path: op.Path, Value: op.Value}, nil
}

func translateRemove(doc []byte, op *hulyOp) (*standardOp, error) {
	_, exists := resolvePointer(doc, op.Path)
	if op.Safe && !exists {
		return nil, nil
	}
	return &standardOp{Op: "remove", Path: op.Path}, nil
}

func translateInc(doc []byte, op *hulyOp) (*standardOp, error) {
	target, exists := resolvePointer(doc, op.Path)

	if !exists {
		if op.Safe {
			return nil, nil
		}
		if !isJSONNumber(op.Value) {
			return nil, domain.ErrInvalidNumber
		}
		return &standardOp{Op: "add", Path: op.Path, Value: op.Value}, nil
	}

	targetNum, targetIsNumber := target.(json.Number)
	if !targetIsNumber {
		return nil, domain.ErrInvalidNumber
	}
	if !isJSONNumber(op.Value) {
		return nil, domain.ErrInvalidNumber
	}

	sum, err := addJSONNumbers(targetNum, json.Number(trimJSON(op.Value)))
	if err != nil {
		return nil, err
	}

	value, err := json.Marshal(sum)
	if err != nil {
		return nil, fmt.Errorf("marshal incremented value: %w", err)
	}
	return &standardOp{Op: "replace", Path: op.Path, Value: value}, nil
}

// resolvePointer walks an RFC 6901 JSON pointer against doc, decoded with
// UseNumber so numeric targets can be distinguished from strings. Returns
// the resolved value and whether the pointer resolved to anything at all.
func resolvePointer(doc []byte, pointer string) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, false
	}
	if pointer == "" {
		return root, true
	}

	tokens := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	current := root
	for _, tok := range tokens {
		tok = unescapeToken(tok)
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[tok]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func unescapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}

func isJSONNumber(raw json.RawMessage) bool {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return false
	}
	return true
}

func trimJSON(raw json.RawMessage) string {
	return strings.TrimSpace(string(raw))
}

// addJSONNumbers adds two JSON numbers using int64 arithmetic when both are
// integral, falling back to float64 when either is not or the int64
// addition overflows.
func addJSONNumbers(a, b json.Number) (json.Number, error) {
	ai, aErr := a.Int64()
	bi, bErr := b.Int64()
	if aErr == nil && bErr == nil {
		sum := ai + bi
		if (bi > 0 && sum < ai) || (bi < 0 && sum > ai) {
			// overflow: fall through to float addition
		} else {
			return json.Number(strconv.FormatInt(sum, 10)), nil
		}
	}

	af, afErr := a.Float64()
	bf, bfErr := b.Float64()
	if afErr != nil || bfErr != nil {
		return "", domain.ErrInvalidNumber
	}
	return json.Number(strconv.FormatFloat(af+bf, 'g', -1, 64)), nil
}
