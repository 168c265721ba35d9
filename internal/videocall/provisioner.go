package videocall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/callroom/internal/automation"
	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/observability"
	"github.com/ent0n29/callroom/internal/session"
)

const maxCreatorNameRunes = 64

// RoomTitle embeds the session id so an orphaned room can be traced back to its session.
func RoomTitle(creatorDisplayName, sessionID string) string {
	name := strings.TrimSpace(creatorDisplayName)
	if r := []rune(name); len(r) > maxCreatorNameRunes {
		name = string(r[:maxCreatorNameRunes])
	}
	if name == "" {
		return "Videocall · " + sessionID
	}
	return fmt.Sprintf("Videocall %s · %s", name, sessionID)
}

func RoomDescription(sessionID string) string {
	return "Private video call session • ID: " + sessionID
}

// Provisioner creates the room for a session and records it in the ledger.
type Provisioner struct {
	client    automation.Platform
	ledger    *session.RoomLedger
	botUserID int64
	clock     Clock
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewProvisioner(client automation.Platform, ledger *session.RoomLedger, botUserID int64, clock Clock, logger zerolog.Logger, metrics *observability.Metrics) *Provisioner {
	if clock == nil {
		clock = RealClock()
	}
	return &Provisioner{
		client:    client,
		ledger:    ledger,
		botUserID: botUserID,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// Provision returns the live room bound to sessionID, creating it if none exists.
// A session never gets a second room: if the bound room was already deleted it fails.
func (p *Provisioner) Provision(ctx context.Context, sessionID, creatorDisplayName string) (roomID int64, err error) {
	ctx, span := tracer.Start(ctx, "videocall.provision")
	span.SetAttributes(attribute.String("session.id", sessionID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "provision failed")
		} else {
			span.SetAttributes(attribute.Int64("room.id", roomID))
		}
		span.End()
	}()

	if id, ok, err := p.boundRoom(ctx, sessionID); err != nil || ok {
		return id, err
	}

	started := p.clock.Now()
	title := RoomTitle(creatorDisplayName, sessionID)
	description := RoomDescription(sessionID)

	roomID, err = p.client.CreateRoom(ctx, title, description)
	if err != nil {
		return 0, fmt.Errorf("%w: create room: %w", ErrProvisionFailed, err)
	}
	logger := p.logger.With().Str(log.FieldSessionID, sessionID).Int64(log.FieldRoomID, roomID).Logger()

	if p.botUserID != 0 {
		if err := p.client.PromoteMember(ctx, roomID, p.botUserID, automation.CallPrivileges()); err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "room.promote_failed").Msg("bot promotion failed, room stays usable")
		}
	}

	if _, err := p.ledger.Register(ctx, roomID, sessionID, title, description); err != nil {
		p.discard(ctx, logger, roomID)
		if errors.Is(err, session.ErrRoomAlreadyBound) {
			// a concurrent provision for the same session won the ledger row
			if id, ok, lerr := p.boundRoom(ctx, sessionID); lerr == nil && ok {
				return id, nil
			}
		}
		return 0, fmt.Errorf("%w: register room: %w", ErrProvisionFailed, err)
	}

	p.metrics.ObserveProvisionLatency(p.clock.Now().Sub(started))
	logger.Info().Str(log.FieldEvent, "room.provisioned").Str("title", title).Msg("room provisioned")
	return roomID, nil
}

func (p *Provisioner) boundRoom(ctx context.Context, sessionID string) (int64, bool, error) {
	room, err := p.ledger.LookupBySession(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	case !room.Live():
		return 0, false, fmt.Errorf("%w: room %d of %s was already deleted", ErrProvisionFailed, room.ID, sessionID)
	default:
		p.logger.Info().
			Str(log.FieldEvent, "room.reused").
			Str(log.FieldSessionID, sessionID).
			Int64(log.FieldRoomID, room.ID).
			Msg("session already has a live room")
		return room.ID, true, nil
	}
}

// discard deletes a room that could not be recorded. Best effort.
func (p *Provisioner) discard(ctx context.Context, logger zerolog.Logger, roomID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := p.client.DeleteRoom(ctx, roomID); err != nil && !automation.IsCode(err, automation.CodeRoomNotFound) {
		logger.Error().Err(err).Str(log.FieldEvent, "room.orphaned").Msg("could not delete unrecorded room")
		return
	}
	logger.Warn().Str(log.FieldEvent, "room.discarded").Msg("unrecorded room deleted")
}
