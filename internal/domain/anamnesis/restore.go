package anamnesis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/auth"
)

type RestoreInput struct {
	ExpectedVersion int    `json:"expectedVersion,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// RestoreVersion reverts the record to a historical version by committing a
// new version with the target's content. The target snapshot is only read.
// A restore always produces a version, even when the content already matches,
// and reactivates a deleted record.
//
// A concurrent mutation between reading the current version and committing
// surfaces as ErrVersionConflict; the caller re-reads and retries.
func (s *Service) RestoreVersion(ctx context.Context, id uuid.UUID, versionRef string, in RestoreInput) (*Aggregate, error) {
	actor, err := s.authorize(ctx, auth.CanRestore)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion < 0 {
		return nil, validation("expectedVersion must not be negative")
	}
	reason, err := validateReason(in.Reason, false)
	if err != nil {
		return nil, err
	}

	target, err := s.resolveVersion(ctx, id, versionRef)
	if err != nil {
		return nil, internal("load restore target", err)
	}
	if target.Deleted {
		return nil, validation("version %d is a deletion and cannot be restored; restore an earlier version", target.VersionNumber)
	}
	if reason == "" {
		reason = restoreReason(target.VersionNumber)
	}

	return s.mutate(ctx, actor, id, mutation{
		action:       ActionRestore,
		expected:     in.ExpectedVersion,
		next:         NormalizeState(target.State),
		reason:       reason,
		restoredFrom: target,
	})
}

func restoreReason(version int) string {
	return fmt.Sprintf("restored from version %d", version)
}
