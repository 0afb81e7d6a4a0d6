package anamnesis

import (
	"errors"
	"reflect"
	"testing"
)

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
func numPtr(n int) *int       { return &n }

func findDiff(diffs []FieldDiff, path string) (FieldDiff, bool) {
	for _, d := range diffs {
		if d.FieldPath == path {
			return d, true
		}
	}
	return FieldDiff{}, false
}

func TestDiff_SingleBooleanChange(t *testing.T) {
	old := RecordState{Fields: Fields{HasPain: boolPtr(false)}}
	next := RecordState{Fields: Fields{HasPain: boolPtr(true)}}

	diffs := Diff(old, next)
	if len(diffs) != 1 {
		t.Fatalf("expected 1 diff, got %d: %+v", len(diffs), diffs)
	}
	d := diffs[0]
	if d.FieldPath != "hasPain" || d.ChangeType != ChangeModified {
		t.Errorf("expected MODIFIED hasPain, got %s %s", d.ChangeType, d.FieldPath)
	}
	if d.OldValue != false || d.NewValue != true {
		t.Errorf("expected false -> true, got %v -> %v", d.OldValue, d.NewValue)
	}
	if d.OldValueDisplay != "No" || d.NewValueDisplay != "Yes" {
		t.Errorf("expected No -> Yes, got %q -> %q", d.OldValueDisplay, d.NewValueDisplay)
	}
	if d.IsCritical {
		t.Error("hasPain must not be critical")
	}
	if d.FieldLabel != "Has pain" || d.FieldType != FieldBoolean {
		t.Errorf("unexpected label/type: %q %q", d.FieldLabel, d.FieldType)
	}
}

func TestDiff_ChangeTypesAndOrder(t *testing.T) {
	old := RecordState{
		Fields: Fields{
			HasAllergies: boolPtr(false),
			PainLevel:    numPtr(3),
			Observations: strPtr("none"),
		},
		Payload: map[string]interface{}{"notes": map[string]interface{}{"old": "x"}},
	}
	next := RecordState{
		Fields: Fields{
			ChiefComplaint: strPtr("toothache"),
			HasAllergies:   boolPtr(true),
			PainLevel:      numPtr(3),
		},
		Payload: map[string]interface{}{"notes": map[string]interface{}{"new": 1}},
	}

	diffs := Diff(old, next)
	want := []struct {
		path string
		ct   ChangeType
	}{
		{"chiefComplaint", ChangeAdded},
		{"hasAllergies", ChangeModified},
		{"observations", ChangeRemoved},
		{"payload.notes.new", ChangeAdded},
		{"payload.notes.old", ChangeRemoved},
	}
	if len(diffs) != len(want) {
		t.Fatalf("expected %d diffs, got %d: %+v", len(want), len(diffs), diffs)
	}
	for i, w := range want {
		if diffs[i].FieldPath != w.path || diffs[i].ChangeType != w.ct {
			t.Errorf("diff %d: expected %s %s, got %s %s", i, w.ct, w.path, diffs[i].ChangeType, diffs[i].FieldPath)
		}
		if diffs[i].Position != i {
			t.Errorf("diff %d: expected position %d, got %d", i, i, diffs[i].Position)
		}
	}

	added, _ := findDiff(diffs, "chiefComplaint")
	if added.OldValueDisplay != notInformed {
		t.Errorf("expected %q for absent old value, got %q", notInformed, added.OldValueDisplay)
	}
	allergy, _ := findDiff(diffs, "hasAllergies")
	if !allergy.IsCritical {
		t.Error("hasAllergies must be critical")
	}
	payload, _ := findDiff(diffs, "payload.notes.new")
	if payload.FieldLabel != "Notes / New" {
		t.Errorf("unexpected payload label %q", payload.FieldLabel)
	}
}

func TestDiff_Deterministic(t *testing.T) {
	a := RecordState{
		Fields:  Fields{HasDiabetes: boolPtr(true), SmokingStatus: strPtr("former")},
		Payload: map[string]interface{}{"b": 1, "a": map[string]interface{}{"z": true, "y": "v"}},
	}
	b := RecordState{
		Fields:  Fields{HasDiabetes: boolPtr(false), SmokingStatus: strPtr("never")},
		Payload: map[string]interface{}{"a": map[string]interface{}{"y": "w"}, "c": []interface{}{"x"}},
	}

	first := Diff(a, b)
	for i := 0; i < 20; i++ {
		if got := Diff(a, b); !reflect.DeepEqual(first, got) {
			t.Fatalf("run %d produced a different diff", i)
		}
	}
	rebuilt := RecordState{
		Fields:  Fields{SmokingStatus: strPtr("never"), HasDiabetes: boolPtr(false)},
		Payload: map[string]interface{}{"c": []interface{}{"x"}, "a": map[string]interface{}{"y": "w"}},
	}
	if IntegrityHash(b) != IntegrityHash(rebuilt) {
		t.Fatal("equal states must hash equally")
	}
}

func TestDiff_IdenticalStates(t *testing.T) {
	s := RecordState{
		Fields:  Fields{HasPain: boolPtr(true), PainLevel: numPtr(4)},
		Payload: map[string]interface{}{"n": 1},
	}
	// int and float payload values compare equal once normalized.
	other := RecordState{
		Fields:  Fields{HasPain: boolPtr(true), PainLevel: numPtr(4)},
		Payload: map[string]interface{}{"n": 1.0},
	}
	if diffs := Diff(s, other); len(diffs) != 0 {
		t.Errorf("expected no diffs, got %+v", diffs)
	}
}

func TestDiff_NullAndEmptyObjectsAreAbsent(t *testing.T) {
	s := RecordState{Payload: map[string]interface{}{"x": nil, "y": map[string]interface{}{}}}
	if !s.IsEmpty() {
		t.Error("expected state with only null and empty payload values to be empty")
	}
	if diffs := Diff(RecordState{}, s); len(diffs) != 0 {
		t.Errorf("expected no diffs, got %+v", diffs)
	}
}

func TestDiff_DottedKeysDoNotCollideWithNesting(t *testing.T) {
	dotted := RecordState{Payload: map[string]interface{}{"a.b": true}}
	nested := RecordState{Payload: map[string]interface{}{"a": map[string]interface{}{"b": true}}}

	diffs := Diff(dotted, nested)
	if len(diffs) != 2 {
		t.Fatalf("expected one removal and one addition, got %+v", diffs)
	}
	removed, ok := findDiff(diffs, "payload.a~1b")
	if !ok || removed.ChangeType != ChangeRemoved {
		t.Errorf("expected payload.a~1b to be removed, got %+v", diffs)
	}
	if removed.FieldLabel != "A.b" {
		t.Errorf("expected the label to show the original key, got %q", removed.FieldLabel)
	}
	if added, ok := findDiff(diffs, "payload.a.b"); !ok || added.ChangeType != ChangeAdded {
		t.Errorf("expected payload.a.b to be added, got %+v", diffs)
	}

	if IntegrityHash(dotted) == IntegrityHash(nested) {
		t.Error("dotted and nested payloads must hash differently")
	}
	tilde := RecordState{Payload: map[string]interface{}{"a~1b": true}}
	if IntegrityHash(tilde) == IntegrityHash(dotted) {
		t.Error("a literal ~1 in a key must not collide with an escaped dot")
	}
}

func TestDiff_CriticalPayloadPrefix(t *testing.T) {
	old := RecordState{}
	next := RecordState{Payload: map[string]interface{}{
		"allergies": []interface{}{"latex"},
		"hobbies":   "chess",
	}}
	diffs := Diff(old, next)
	allergies, ok := findDiff(diffs, "payload.allergies")
	if !ok {
		t.Fatal("expected payload.allergies diff")
	}
	if !allergies.IsCritical {
		t.Error("payload.allergies must be critical")
	}
	if allergies.FieldType != FieldJSON || allergies.NewValueDisplay != `["latex"]` {
		t.Errorf("unexpected array rendering: %s %q", allergies.FieldType, allergies.NewValueDisplay)
	}
	hobbies, _ := findDiff(diffs, "payload.hobbies")
	if hobbies.IsCritical {
		t.Error("payload.hobbies must not be critical")
	}
}

func TestDisplay(t *testing.T) {
	smoking := fieldIndex["smokingStatus"]
	pain := fieldIndex["painLevel"]
	weeks := fieldIndex["pregnancyWeeks"]

	tests := []struct {
		name    string
		spec    FieldSpec
		value   interface{}
		present bool
		want    string
	}{
		{"absent", pain, nil, false, notInformed},
		{"null", pain, nil, true, notInformed},
		{"scale", pain, float64(7), true, "7/10"},
		{"number", weeks, float64(12), true, "12"},
		{"enum", smoking, "former", true, "Former smoker"},
		{"unknown enum", smoking, "sometimes", true, "sometimes"},
		{"boolean", fieldIndex["hasPain"], false, true, "No"},
		{"text", fieldIndex["observations"], "sensitive to cold", true, "sensitive to cold"},
	}
	for _, tt := range tests {
		if got := Display(tt.spec, tt.value, tt.present); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.name, tt.want, got)
		}
	}
}

func TestIntegrityHash(t *testing.T) {
	a := RecordState{Fields: Fields{HasPain: boolPtr(true)}}
	b := RecordState{Fields: Fields{HasPain: boolPtr(false)}}

	if len(IntegrityHash(a)) != 64 {
		t.Errorf("expected hex sha-256, got %q", IntegrityHash(a))
	}
	if IntegrityHash(a) == IntegrityHash(b) {
		t.Error("different states must hash differently")
	}
	if IntegrityHash(RecordState{}) == IntegrityHash(a) {
		t.Error("empty state must hash differently")
	}

	withPayload := RecordState{Payload: map[string]interface{}{"k": map[string]interface{}{"n": 2}}}
	if IntegrityHash(withPayload) != IntegrityHash(NormalizeState(withPayload)) {
		t.Error("normalizing a state must not change its hash")
	}
}

func TestSummarize(t *testing.T) {
	diffs := []FieldDiff{
		{ChangeType: ChangeAdded, IsCritical: true},
		{ChangeType: ChangeAdded},
		{ChangeType: ChangeRemoved},
		{ChangeType: ChangeModified, IsCritical: true},
	}
	got := Summarize(diffs)
	want := ChangesSummary{Added: 2, Removed: 1, Modified: 1, Total: 4, Critical: 2}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if got.String() != "4 field(s) changed: 2 added, 1 removed, 1 modified (2 critical)" {
		t.Errorf("unexpected summary text %q", got.String())
	}
	if (ChangesSummary{}).String() != "no field changes" {
		t.Errorf("unexpected empty summary text %q", ChangesSummary{}.String())
	}
}

func TestClassify(t *testing.T) {
	critical := []FieldDiff{{IsCritical: true}}
	plain := []FieldDiff{{IsCritical: false}}

	tests := []struct {
		action Action
		diffs  []FieldDiff
		want   Severity
	}{
		{ActionUpdate, critical, SeverityCritical},
		{ActionCreate, critical, SeverityCritical},
		{ActionUpdate, plain, SeverityMedium},
		{ActionCreate, nil, SeverityMedium},
		{ActionDelete, plain, SeverityHigh},
		{ActionRestore, nil, SeverityHigh},
		{ActionExport, nil, SeverityMedium},
		{ActionView, nil, SeverityLow},
	}
	for _, tt := range tests {
		if got := Classify(tt.action, tt.diffs); got != tt.want {
			t.Errorf("Classify(%s): expected %s, got %s", tt.action, tt.want, got)
		}
	}
}

func TestValidateState(t *testing.T) {
	valid := RecordState{Fields: Fields{
		PainLevel:         numPtr(10),
		SmokingStatus:     strPtr("never"),
		LastDentalVisit:   strPtr("6to12m"),
		BrushingFrequency: numPtr(0),
	}}
	if err := ValidateState(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := []RecordState{
		{Fields: Fields{PainLevel: numPtr(11)}},
		{Fields: Fields{PainLevel: numPtr(-1)}},
		{Fields: Fields{PregnancyWeeks: numPtr(46)}},
		{Fields: Fields{SmokingStatus: strPtr("sometimes")}},
		{Fields: Fields{AlcoholUse: strPtr("")}},
	}
	for i, s := range invalid {
		err := ValidateState(s)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestHumanize(t *testing.T) {
	tests := map[string]string{
		"lastCleaning":  "Last cleaning",
		"last_cleaning": "Last cleaning",
		"x":             "X",
		"":              "",
	}
	for in, want := range tests {
		if got := humanize(in); got != want {
			t.Errorf("humanize(%q): expected %q, got %q", in, want, got)
		}
	}
}
