package anamnesis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const notInformed = "Not informed"

// DiffResult is everything the write path records about one transition.
type DiffResult struct {
	Diffs         []FieldDiff
	Summary       ChangesSummary
	IntegrityHash string
}

// Compute diffs old against next and hashes next.
func Compute(old, next RecordState) DiffResult {
	diffs := Diff(old, next)
	return DiffResult{
		Diffs:         diffs,
		Summary:       Summarize(diffs),
		IntegrityHash: IntegrityHash(next),
	}
}

// Diff returns the field-level changes from old to next. Structured fields
// come first in schema order, then payload leaves sorted by path, so the
// result only depends on the two states.
func Diff(old, next RecordState) []FieldDiff {
	o, n := flatten(old), flatten(next)

	var diffs []FieldDiff
	for _, f := range fieldSchema {
		if d, ok := diffPath(f.Path, o, n); ok {
			diffs = append(diffs, d)
		}
	}

	for _, path := range payloadPaths(o, n) {
		if d, ok := diffPath(path, o, n); ok {
			diffs = append(diffs, d)
		}
	}

	for i := range diffs {
		diffs[i].Position = i
	}
	return diffs
}

func diffPath(path string, o, n map[string]interface{}) (FieldDiff, bool) {
	ov, inOld := o[path]
	nv, inNew := n[path]

	var ct ChangeType
	switch {
	case !inOld && !inNew:
		return FieldDiff{}, false
	case !inOld:
		ct = ChangeAdded
	case !inNew:
		ct = ChangeRemoved
	case canonicalJSON(ov) == canonicalJSON(nv):
		return FieldDiff{}, false
	default:
		ct = ChangeModified
	}

	sample := nv
	if !inNew {
		sample = ov
	}
	spec := LookupField(path, sample)

	return FieldDiff{
		FieldPath:       path,
		FieldLabel:      spec.Label,
		FieldType:       spec.Type,
		OldValue:        ov,
		NewValue:        nv,
		OldValueDisplay: Display(spec, ov, inOld),
		NewValueDisplay: Display(spec, nv, inNew),
		IsCritical:      spec.Critical,
		ChangeType:      ct,
	}, true
}

func payloadPaths(o, n map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, m := range []map[string]interface{}{o, n} {
		for k := range m {
			if strings.HasPrefix(k, payloadPrefix) {
				seen[k] = struct{}{}
			}
		}
	}
	paths := make([]string, 0, len(seen))
	for k := range seen {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}

// Summarize counts diffs by change type.
func Summarize(diffs []FieldDiff) ChangesSummary {
	var s ChangesSummary
	for _, d := range diffs {
		switch d.ChangeType {
		case ChangeAdded:
			s.Added++
		case ChangeRemoved:
			s.Removed++
		case ChangeModified:
			s.Modified++
		}
		if d.IsCritical {
			s.Critical++
		}
	}
	s.Total = len(diffs)
	return s
}

// Classify derives the entry severity. Any critical field change makes the
// whole entry critical.
func Classify(action Action, diffs []FieldDiff) Severity {
	for _, d := range diffs {
		if d.IsCritical {
			return SeverityCritical
		}
	}
	switch action {
	case ActionDelete, ActionRestore:
		return SeverityHigh
	case ActionCreate, ActionUpdate, ActionExport, ActionPrint:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IntegrityHash is the hex SHA-256 of the sorted "path=value" lines of the
// state. It covers content only, so a restored version hashes like its
// target.
func IntegrityHash(s RecordState) string {
	flat := flatten(s)
	paths := make([]string, 0, len(flat))
	for k := range flat {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s=%s\n", p, canonicalJSON(flat[p]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Display renders a value for humans according to its field type.
func Display(spec FieldSpec, v interface{}, present bool) string {
	if !present || v == nil {
		return notInformed
	}

	switch spec.Type {
	case FieldBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return "Yes"
			}
			return "No"
		}
	case FieldEnum:
		if s, ok := v.(string); ok {
			if label, ok := spec.Options[s]; ok {
				return label
			}
			return s
		}
	case FieldScale:
		if f, ok := v.(float64); ok {
			return fmt.Sprintf("%s/%d", formatNumber(f), spec.Max)
		}
	case FieldNumber:
		if f, ok := v.(float64); ok {
			return formatNumber(f)
		}
	case FieldText:
		if s, ok := v.(string); ok {
			return s
		}
	}

	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatNumber(t)
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	}
	return canonicalJSON(v)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// flatten maps every answered structured field and payload leaf to its
// JSON-normalized value. Arrays are leaves; null and empty objects count as
// absent.
func flatten(s RecordState) map[string]interface{} {
	out := make(map[string]interface{})

	var fields map[string]interface{}
	raw, _ := json.Marshal(s.Fields)
	_ = json.Unmarshal(raw, &fields)
	for k, v := range fields {
		out[k] = v
	}

	if len(s.Payload) > 0 {
		if payload, ok := normalize(s.Payload).(map[string]interface{}); ok {
			flattenInto(strings.TrimSuffix(payloadPrefix, "."), payload, out)
		}
	}
	return out
}

// pathEscaper keeps payload keys containing dots from colliding with nested
// objects: {"a.b": 1} flattens to payload.a~1b, {"a": {"b": 1}} to payload.a.b.
var (
	pathEscaper   = strings.NewReplacer("~", "~0", ".", "~1")
	pathUnescaper = strings.NewReplacer("~1", ".", "~0", "~")
)

func flattenInto(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for _, k := range sortedKeys(m) {
		path := prefix + "." + pathEscaper.Replace(k)
		switch v := m[k].(type) {
		case nil:
		case map[string]interface{}:
			flattenInto(path, v, out)
		default:
			out[path] = v
		}
	}
}

// normalize round-trips v through JSON so Go ints, structs and typed maps
// compare like decoded request bodies.
func normalize(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// NormalizeState returns s with its payload in JSON-decoded form.
func NormalizeState(s RecordState) RecordState {
	if len(s.Payload) == 0 {
		s.Payload = nil
		return s
	}
	if m, ok := normalize(s.Payload).(map[string]interface{}); ok {
		s.Payload = m
	}
	return s
}

// canonicalJSON relies on encoding/json sorting map keys.
func canonicalJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
