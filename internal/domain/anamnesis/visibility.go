package anamnesis

import (
	"github.com/ehr/anamnesis/internal/platform/auth"
)

// Project returns the entries role may see. When scope is non-nil only entries
// recorded against scope are kept; the decision uses each entry's stored
// contexts, never the caller's filters. Entries are copied, so the input is
// left untouched and projecting a projection changes nothing.
func Project(entries []*AuditLogEntry, role auth.Role, scope *ContextRef) []*AuditLogEntry {
	out := make([]*AuditLogEntry, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		if scope != nil && !e.HasContext(*scope) {
			continue
		}
		out = append(out, RedactEntry(e, role))
	}
	return out
}

// RedactEntry returns a copy of e with technical details and the actor's
// email removed unless role may view them.
func RedactEntry(e *AuditLogEntry, role auth.Role) *AuditLogEntry {
	cp := *e
	if auth.Can(role, auth.CanViewTechnicalDetails) {
		return &cp
	}
	cp.Technical = Technical{}
	cp.IntegrityHash = ""
	cp.ActorEmail = ""
	cp.Redacted = true
	return &cp
}

// RedactSnapshot applies the same rule to a version snapshot.
func RedactSnapshot(s *VersionSnapshot, role auth.Role) *VersionSnapshot {
	cp := *s
	if auth.Can(role, auth.CanViewTechnicalDetails) {
		return &cp
	}
	cp.Technical = Technical{}
	cp.IntegrityHash = ""
	cp.Redacted = true
	return &cp
}

func redactSnapshots(snaps []*VersionSnapshot, role auth.Role) []*VersionSnapshot {
	out := make([]*VersionSnapshot, len(snaps))
	for i, s := range snaps {
		out[i] = RedactSnapshot(s, role)
	}
	return out
}
