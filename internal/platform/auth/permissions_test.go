package auth

import "testing"

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"ADMIN", RoleAdmin, true},
		{"dentist", RoleDentist, true},
		{" Recep ", RoleReceptionist, true},
		{"assistant", RoleAssistant, true},
		{"service", RoleService, true},
		{"physician", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseRole(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRole(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCan_OnlyAdminSeesTechnicalDetails(t *testing.T) {
	for _, role := range []Role{RoleAdmin, RoleDentist, RoleAssistant, RoleReceptionist, RoleService} {
		got := Can(role, CanViewTechnicalDetails)
		if got != (role == RoleAdmin) {
			t.Errorf("Can(%s, CanViewTechnicalDetails) = %v", role, got)
		}
	}
}

func TestCan_PendingReviewsClinicalOnly(t *testing.T) {
	allowed := map[Role]bool{RoleAdmin: true, RoleDentist: true, RoleAssistant: true}
	for _, role := range []Role{RoleAdmin, RoleDentist, RoleAssistant, RoleReceptionist, RoleService} {
		if Can(role, CanViewPendingReviews) != allowed[role] {
			t.Errorf("unexpected pending review access for %s", role)
		}
	}
}

func TestCan_UnknownRole(t *testing.T) {
	if Can(Role("GUEST"), CanViewAudit) {
		t.Error("unknown roles must hold no capabilities")
	}
}

func TestCapabilities_StableOrder(t *testing.T) {
	got := Capabilities(RoleReceptionist)
	if len(got) != 3 || got[0] != CanViewRecord || got[1] != CanViewAudit || got[2] != CanViewContextualLog {
		t.Errorf("unexpected capabilities for RECEP: %v", got)
	}
	if len(Capabilities(RoleAdmin)) != 8 {
		t.Errorf("expected ADMIN to hold every capability")
	}
}
