package anamnesis

import (
	"sort"
	"strings"
)

// SchemaVersion is stored on every snapshot. Bump it whenever fieldSchema
// changes meaning.
const SchemaVersion = 1

// FieldSpec describes one structured field: how it is labelled and rendered
// and whether any change to it requires secondary review.
type FieldSpec struct {
	Path     string
	Label    string
	Type     FieldType
	Critical bool
	Options  map[string]string
	Max      int
}

var (
	smokingOptions = map[string]string{
		"never": "Never smoked", "former": "Former smoker", "current": "Current smoker",
	}
	alcoholOptions = map[string]string{
		"none": "None", "occasional": "Occasional", "frequent": "Frequent",
	}
	dentalVisitOptions = map[string]string{
		"lt6m": "Less than 6 months ago", "6to12m": "6 to 12 months ago",
		"gt12m": "More than a year ago", "never": "Never",
	}
)

// fieldSchema is walked in declaration order by the diff engine.
var fieldSchema = []FieldSpec{
	{Path: "chiefComplaint", Label: "Chief complaint", Type: FieldText},
	{Path: "hasPain", Label: "Has pain", Type: FieldBoolean},
	{Path: "painLevel", Label: "Pain level", Type: FieldScale, Max: 10},
	{Path: "underMedicalTreatment", Label: "Under medical treatment", Type: FieldBoolean},
	{Path: "medicalTreatmentDetails", Label: "Medical treatment details", Type: FieldText},
	{Path: "takingMedication", Label: "Taking medication", Type: FieldBoolean, Critical: true},
	{Path: "medicationDetails", Label: "Medication details", Type: FieldText, Critical: true},
	{Path: "hasAllergies", Label: "Has allergies", Type: FieldBoolean, Critical: true},
	{Path: "allergyToAnesthesia", Label: "Allergy to anesthesia", Type: FieldBoolean, Critical: true},
	{Path: "allergyToPenicillin", Label: "Allergy to penicillin", Type: FieldBoolean, Critical: true},
	{Path: "allergyDetails", Label: "Allergy details", Type: FieldText, Critical: true},
	{Path: "isPregnant", Label: "Pregnant", Type: FieldBoolean, Critical: true},
	{Path: "pregnancyWeeks", Label: "Pregnancy weeks", Type: FieldNumber, Critical: true, Max: 45},
	{Path: "hasDiabetes", Label: "Diabetes", Type: FieldBoolean, Critical: true},
	{Path: "hasHypertension", Label: "Hypertension", Type: FieldBoolean, Critical: true},
	{Path: "hasHeartDisease", Label: "Heart disease", Type: FieldBoolean, Critical: true},
	{Path: "hasBleedingDisorder", Label: "Bleeding disorder", Type: FieldBoolean, Critical: true},
	{Path: "hasInfectiousDisease", Label: "Infectious disease", Type: FieldBoolean, Critical: true},
	{Path: "smokingStatus", Label: "Smoking", Type: FieldEnum, Options: smokingOptions},
	{Path: "alcoholUse", Label: "Alcohol use", Type: FieldEnum, Options: alcoholOptions},
	{Path: "lastDentalVisit", Label: "Last dental visit", Type: FieldEnum, Options: dentalVisitOptions},
	{Path: "brushingFrequency", Label: "Brushing frequency (per day)", Type: FieldNumber, Max: 10},
	{Path: "bleedingGums", Label: "Bleeding gums", Type: FieldBoolean},
	{Path: "sensitiveTeeth", Label: "Sensitive teeth", Type: FieldBoolean},
	{Path: "bruxism", Label: "Bruxism", Type: FieldBoolean},
	{Path: "observations", Label: "Observations", Type: FieldText},
}

var fieldIndex = func() map[string]FieldSpec {
	m := make(map[string]FieldSpec, len(fieldSchema))
	for _, f := range fieldSchema {
		m[f.Path] = f
	}
	return m
}()

const payloadPrefix = "payload."

// criticalPayloadPrefixes mark free-form payload subtrees whose changes are
// reviewed like their structured counterparts.
var criticalPayloadPrefixes = []string{
	"payload.allergies",
	"payload.medications",
}

// LookupField returns the spec for path. Payload paths get a synthesized spec
// whose type is inferred from the value.
func LookupField(path string, value interface{}) FieldSpec {
	if f, ok := fieldIndex[path]; ok {
		return f
	}
	return FieldSpec{
		Path:     path,
		Label:    payloadLabel(path),
		Type:     inferType(value),
		Critical: isCriticalPayloadPath(path),
	}
}

func isCriticalPayloadPath(path string) bool {
	for _, p := range criticalPayloadPrefixes {
		if path == p || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}

func payloadLabel(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, payloadPrefix), ".")
	for i, p := range parts {
		parts[i] = humanize(pathUnescaper.Replace(p))
	}
	return strings.Join(parts, " / ")
}

// humanize turns "lastCleaning" or "last_cleaning" into "Last cleaning".
func humanize(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case r == '_' || r == '-':
			b.WriteByte(' ')
		case r >= 'A' && r <= 'Z' && i > 0:
			b.WriteByte(' ')
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		s = string(s[0]-('a'-'A')) + s[1:]
	}
	return s
}

func inferType(v interface{}) FieldType {
	switch v.(type) {
	case bool:
		return FieldBoolean
	case float64:
		return FieldNumber
	case string:
		return FieldText
	default:
		return FieldJSON
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateState checks structured answers against their field specs: enums
// must use a known option and numbers must lie in [0, Max].
func ValidateState(s RecordState) error {
	flat := flatten(s)
	for _, f := range fieldSchema {
		v, ok := flat[f.Path]
		if !ok {
			continue
		}
		switch f.Type {
		case FieldEnum:
			str, _ := v.(string)
			if _, known := f.Options[str]; !known {
				return validation("%s: unknown option %q", f.Path, str)
			}
		case FieldScale, FieldNumber:
			n, _ := v.(float64)
			if n < 0 || (f.Max > 0 && n > float64(f.Max)) {
				return validation("%s must be between 0 and %d", f.Path, f.Max)
			}
		}
	}
	return nil
}
