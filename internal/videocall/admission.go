package videocall

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/callroom/internal/automation"
	"github.com/ent0n29/callroom/internal/log"
)

type AdmissionResult struct {
	Admitted []int64
	Failed   map[int64]error
}

// Err is nil only when every member was admitted.
func (r AdmissionResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("member %d: %w", id, r.Failed[id]))
	}
	return fmt.Errorf("%w: %w", ErrAdmissionFailed, errors.Join(errs...))
}

// Admission invites the parties of a session into its room.
type Admission struct {
	client automation.Platform
	logger zerolog.Logger
}

func NewAdmission(client automation.Platform, logger zerolog.Logger) *Admission {
	return &Admission{client: client, logger: logger}
}

// Admit invites each member on its own, so one failure does not hide the others.
// A member that is already in the room counts as admitted.
func (a *Admission) Admit(ctx context.Context, roomID int64, memberIDs []int64) AdmissionResult {
	ctx, span := tracer.Start(ctx, "videocall.admit")
	span.SetAttributes(attribute.Int64("room.id", roomID))
	defer span.End()

	res := AdmissionResult{Failed: make(map[int64]error)}
	seen := make(map[int64]bool, len(memberIDs))
	for _, id := range memberIDs {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true

		err := a.client.InviteMembers(ctx, roomID, []int64{id})
		if err == nil || automation.IsCode(err, automation.CodeAlreadyMember) {
			res.Admitted = append(res.Admitted, id)
			continue
		}
		res.Failed[id] = err
		a.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "room.admission_failed").
			Int64(log.FieldRoomID, roomID).
			Int64(log.FieldMemberID, id).
			Msg("member could not be admitted")
	}

	if err := res.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
	}
	return res
}
