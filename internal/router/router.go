// Package router dispatches inbound client commands to the presence tracker,
// the interaction machine and the artifact history.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"roomsync/internal/clock"
	"roomsync/internal/interaction"
	"roomsync/internal/presence"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

// Dependencies are the components a Router drives. Artifacts may be nil, in
// which case chat and whiteboard events are relayed without history.
type Dependencies struct {
	Channel   interfaces.Channel
	Presence  *presence.Tracker
	Machine   *interaction.Machine
	Artifacts interfaces.ArtifactStore
	Limiter   *RateLimiter
	Clock     clock.Clock
}

// Router validates and executes commands arriving on one connection
type Router struct {
	channel   interfaces.Channel
	presence  *presence.Tracker
	machine   *interaction.Machine
	artifacts interfaces.ArtifactStore
	limiter   *RateLimiter
	clock     clock.Clock
}

// NewRouter creates a router
func NewRouter(deps Dependencies) *Router {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(0, 1, deps.Clock)
	}
	return &Router{
		channel:   deps.Channel,
		presence:  deps.Presence,
		machine:   deps.Machine,
		artifacts: deps.Artifacts,
		limiter:   deps.Limiter,
		clock:     deps.Clock,
	}
}

// HandleEnvelope routes env and answers the sender with command_rejected
// when routing fails.
func (r *Router) HandleEnvelope(ctx context.Context, conn interfaces.Connection, env *types.Envelope) {
	err := r.Route(ctx, conn, env)
	if err == nil {
		return
	}
	log.Printf("Command rejected: participant=%s room=%s command=%s: %v",
		conn.GetParticipantID(), conn.GetRoomID(), env.EventType, err)
	rejection := types.RejectionPayload{Command: env.EventType, Reason: err.Error()}
	var target struct {
		SlideID string `json:"slide_id"`
	}
	if len(env.Payload) > 0 && env.Decode(&target) == nil {
		rejection.SlideID = target.SlideID
	}
	r.reply(conn, types.EventCommandRejected, rejection)
}

// Route validates env against the sender's identity and executes it
func (r *Router) Route(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	if !conn.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	roomID := conn.GetRoomID()
	if env.RoomID == "" {
		env.RoomID = roomID
	}
	if env.RoomID != roomID {
		return ErrWrongRoom
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if !types.IsValidCommand(env.EventType) {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, env.EventType)
	}
	if !canSend(conn.GetRole(), env.EventType) {
		return ErrUnauthorizedCommand
	}
	if !r.limiter.Allow(conn.GetParticipantID()) {
		return ErrRateLimitExceeded
	}

	switch env.EventType {
	case types.CommandInteractionStart, types.CommandInteractionLock,
		types.CommandInteractionReveal, types.CommandInteractionReset:
		return r.routeInteraction(ctx, conn, env)
	case types.CommandResponseSubmit:
		return r.routeSubmit(ctx, conn, env)
	case types.CommandPresenceSetFlag:
		return r.routeSetFlag(ctx, conn, env)
	case types.CommandSyncRequest:
		return r.Sync(ctx, conn)
	case types.EventChatMessage, types.EventWhiteboardStroke:
		return r.routeArtifact(ctx, conn, env)
	default:
		return ErrInvalidCommand
	}
}

// canSend applies role permissions per command
func canSend(role types.Role, eventType types.EventType) bool {
	switch eventType {
	case types.CommandInteractionStart, types.CommandInteractionLock,
		types.CommandInteractionReveal, types.CommandInteractionReset:
		return role == types.RoleTeacher
	case types.CommandResponseSubmit:
		return role == types.RoleStudent
	default:
		return types.IsValidRole(role)
	}
}

func (r *Router) routeInteraction(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var cmd types.InteractionCommand
	if err := env.Decode(&cmd); err != nil {
		return err
	}
	action, _ := interaction.ActionForCommand(env.EventType)
	cmd.SessionID = conn.GetRoomID()

	result, err := r.machine.Apply(ctx, cmd.SessionID, conn.GetParticipantID(), action, cmd)
	if err != nil {
		return err
	}
	if !result.Changed {
		// The teacher acted on an outdated view; send the current state so the
		// client's pending change is reconciled.
		r.reply(conn, types.EventInteractionStateChanged, result.State.ForRole(conn.GetRole()))
	}
	return nil
}

func (r *Router) routeSubmit(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var cmd types.SubmitCommand
	if err := env.Decode(&cmd); err != nil {
		return err
	}
	resp := types.Response{
		ID:            cmd.ResponseID,
		ParticipantID: conn.GetParticipantID(),
		SlideID:       cmd.SlideID,
		Version:       cmd.Version,
		Value:         cmd.Value,
	}
	_, err := r.machine.Submit(ctx, conn.GetRoomID(), resp)
	return err
}

func (r *Router) routeSetFlag(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var cmd types.SetFlagCommand
	if err := env.Decode(&cmd); err != nil {
		return err
	}
	senderID := conn.GetParticipantID()
	target := cmd.ParticipantID
	if target == "" {
		target = senderID
	}
	if !canSetFlag(conn.GetRole(), target == senderID, cmd.Flag) {
		return ErrFlagNotPermitted
	}
	_, err := r.presence.SetFlag(ctx, conn.GetRoomID(), target, senderID, cmd.Flag, cmd.Value)
	return err
}

// canSetFlag: anyone may set their own flags except spotlight, which only a
// teacher grants. A teacher may mute or spotlight others.
func canSetFlag(role types.Role, self bool, flag types.Flag) bool {
	if role == types.RoleTeacher {
		return self || flag == types.FlagMuted || flag == types.FlagSpotlighted
	}
	return self && flag != types.FlagSpotlighted
}

func (r *Router) routeArtifact(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	if env.EventType == types.EventChatMessage {
		var chat types.ChatPayload
		if err := env.Decode(&chat); err != nil {
			return err
		}
		if err := chat.Validate(); err != nil {
			return err
		}
	} else if !json.Valid(env.Payload) || len(env.Payload) == 0 {
		return types.ErrInvalidPayload
	}

	artifact := &types.Artifact{
		ID:        uuid.New().String(),
		RoomID:    conn.GetRoomID(),
		Kind:      env.EventType,
		SenderID:  conn.GetParticipantID(),
		Payload:   env.Payload,
		CreatedAt: r.clock.Now(),
	}
	if r.artifacts != nil {
		if err := r.artifacts.StoreArtifact(ctx, artifact); err != nil {
			return fmt.Errorf("failed to persist %s: %w", artifact.Kind, err)
		}
	}
	return r.channel.Publish(ctx, artifact.RoomID, artifact.Kind, artifact.SenderID, artifact.Payload)
}

// Sync sends the sender a full picture of the room: the roster snapshot,
// every slide state and aggregate, then sync_complete.
func (r *Router) Sync(ctx context.Context, conn interfaces.Connection) error {
	roomID := conn.GetRoomID()
	role := conn.GetRole()

	roster := r.presence.Snapshot(roomID)
	if err := r.write(conn, types.EventPresenceSnapshot, types.PresenceSnapshotPayload{Participants: roster}); err != nil {
		return err
	}

	states, err := r.machine.States(ctx, roomID)
	if err != nil {
		return err
	}
	for _, state := range states {
		if err := r.write(conn, types.EventInteractionStateChanged, state.ForRole(role)); err != nil {
			return err
		}
		agg, err := r.machine.Aggregate(ctx, roomID, state.SlideID)
		if err != nil {
			return err
		}
		if role != types.RoleTeacher {
			agg = interaction.PublicAggregate(agg, state)
		}
		if err := r.write(conn, types.EventAggregateUpdated, agg); err != nil {
			return err
		}
	}

	return r.write(conn, types.EventSyncComplete, types.SyncCompletePayload{
		Participants: len(roster),
		Slides:       len(states),
	})
}

// ReplayHistory sends a room's stored artifacts to conn in order
func (r *Router) ReplayHistory(ctx context.Context, conn interfaces.Connection) error {
	if r.artifacts == nil {
		return nil
	}
	history, err := r.artifacts.GetArtifactHistory(ctx, conn.GetRoomID())
	if err != nil {
		return fmt.Errorf("failed to load artifact history: %w", err)
	}
	for _, a := range history {
		env := &types.Envelope{
			ID:        a.ID,
			EventType: a.Kind,
			RoomID:    a.RoomID,
			SenderID:  a.SenderID,
			Payload:   a.Payload,
			Timestamp: a.CreatedAt,
		}
		if err := conn.WriteEnvelope(env); err != nil {
			return err
		}
	}
	return nil
}

// Limiter exposes the rate limiter for periodic cleanup
func (r *Router) Limiter() *RateLimiter {
	return r.limiter
}

func (r *Router) write(conn interfaces.Connection, eventType types.EventType, payload any) error {
	env, err := types.NewEnvelope(conn.GetRoomID(), eventType, "", payload)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(env)
}

func (r *Router) reply(conn interfaces.Connection, eventType types.EventType, payload any) {
	if err := r.write(conn, eventType, payload); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Failed to reply %s to %s: %v", eventType, conn.GetParticipantID(), err)
	}
}
