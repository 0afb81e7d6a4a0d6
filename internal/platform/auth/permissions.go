package auth

import "strings"

type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleDentist      Role = "DENTIST"
	RoleAssistant    Role = "ASSISTANT"
	RoleReceptionist Role = "RECEP"
	RoleService      Role = "SERVICE"
)

// ParseRole normalizes a role claim. Unknown roles are rejected.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := permissionTable[r]; !ok {
		return "", false
	}
	return r, true
}

type Capability string

const (
	CanViewRecord           Capability = "view_record"
	CanEditRecord           Capability = "edit_record"
	CanViewAudit            Capability = "view_audit"
	CanRestore              Capability = "restore"
	CanViewTechnicalDetails Capability = "view_technical_details"
	CanViewContextualLog    Capability = "view_contextual_log"
	CanViewPendingReviews   Capability = "view_pending_reviews"
	CanIngestTrail          Capability = "ingest_trail"
)

type capabilitySet map[Capability]struct{}

func caps(cs ...Capability) capabilitySet {
	s := make(capabilitySet, len(cs))
	for _, c := range cs {
		s[c] = struct{}{}
	}
	return s
}

// permissionTable is the only place role privileges are defined.
var permissionTable = map[Role]capabilitySet{
	RoleAdmin: caps(
		CanViewRecord, CanEditRecord, CanViewAudit, CanRestore, CanViewTechnicalDetails,
		CanViewContextualLog, CanViewPendingReviews, CanIngestTrail,
	),
	RoleDentist: caps(
		CanViewRecord, CanEditRecord, CanViewAudit, CanRestore,
		CanViewContextualLog, CanViewPendingReviews,
	),
	RoleAssistant: caps(
		CanViewRecord, CanEditRecord, CanViewAudit, CanViewContextualLog, CanViewPendingReviews,
	),
	RoleReceptionist: caps(CanViewRecord, CanViewAudit, CanViewContextualLog),
	RoleService:      caps(CanIngestTrail),
}

// Can reports whether role holds capability c.
func Can(role Role, c Capability) bool {
	set, ok := permissionTable[role]
	if !ok {
		return false
	}
	_, ok = set[c]
	return ok
}

// Capabilities lists the capabilities granted to role in a stable order.
func Capabilities(role Role) []Capability {
	all := []Capability{
		CanViewRecord, CanEditRecord, CanViewAudit, CanRestore, CanViewTechnicalDetails,
		CanViewContextualLog, CanViewPendingReviews, CanIngestTrail,
	}
	var out []Capability
	for _, c := range all {
		if Can(role, c) {
			out = append(out, c)
		}
	}
	return out
}
