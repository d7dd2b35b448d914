// Package domain contains the core business entities of the mergeable
// object store.
package domain

// MergeStrategy is the rule by which a key's parts are combined into its
// effective byte sequence. Fixed at key creation (PUT of part 0) and never
// changes afterward.
type MergeStrategy string

const (
	MergeStrategyConcatenate MergeStrategy = "concatenate"
	MergeStrategyJSONPatch   MergeStrategy = "jsonpatch"
)

// ParseMergeStrategy validates a raw Huly-Merge-Strategy header value,
// defaulting empty input to concatenate.
func ParseMergeStrategy(raw string) (MergeStrategy, bool) {
	switch MergeStrategy(raw) {
	case "":
		return MergeStrategyConcatenate, true
	case MergeStrategyConcatenate, MergeStrategyJSONPatch:
		return MergeStrategy(raw), true
	default:
		return "", false
	}
}

// PartData is the structured payload carried by a part row alongside its
// index and optional inline bytes.
type PartData struct {
	StorageKey    string            `json:"storage_key"`
	Size          int64             `json:"size"`
	ETag          string            `json:"etag"`
	Headers       map[string]string `json:"headers,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
	MergeStrategy MergeStrategy     `json:"merge_strategy,omitempty"`
}

// Part is one element of the ordered sequence of fragments attached to a
// (workspace, key). Only part 0 carries Headers/Meta/MergeStrategy; parts
// 1..n leave those fields on PartData empty and rely on part 0's values.
type Part struct {
	Index  int      `json:"part_index"`
	Inline []byte   `json:"inline,omitempty"`
	Data   PartData `json:"data"`
}

// IsInline reports whether this part's bytes are co-stored in the index row.
func (p Part) IsInline() bool {
	return p.Inline != nil
}

// Object is the virtual entity presented to clients at (workspace, key): the
// ordered list of parts collapsed through their shared merge strategy. It is
// never itself persisted — Part 0's PartData.MergeStrategy is canonical.
type Object struct {
	Workspace string
	Key       string
	Parts     []Part
}

// Strategy returns the key's fixed merge strategy, read from part 0.
// Callers must ensure Parts is non-empty.
func (o Object) Strategy() MergeStrategy {
	return o.Parts[0].Data.MergeStrategy
}

// LastETag is the ETag externally visible for the key: the last part's.
func (o Object) LastETag() string {
	if len(o.Parts) == 0 {
		return ""
	}
	return o.Parts[len(o.Parts)-1].Data.ETag
}
