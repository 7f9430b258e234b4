package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaychat/backend/internal/apperrors"
	"github.com/relaychat/backend/internal/encryption"
	"github.com/relaychat/backend/internal/models"
)

// ErrConflict is returned by stores when a uniqueness constraint fires,
// e.g. two concurrent direct-conversation creates for the same pair.
var ErrConflict = errors.New("conflict")

const (
	minGroupSize = 2
	maxGroupSize = 10
)

// ConversationService manages conversation lifecycle and membership.
type ConversationService struct {
	convs     ConversationStore
	users     UserDirectory
	keys      *encryption.KeyManager
	broadcast Broadcaster
	notifier  Notifier
	log       *zap.Logger

	maxGroupSize int
}

func NewConversationService(
	convs ConversationStore,
	users UserDirectory,
	keys *encryption.KeyManager,
	broadcast Broadcaster,
	notifier Notifier,
	log *zap.Logger,
) *ConversationService {
	return &ConversationService{
		convs:        convs,
		users:        users,
		keys:         keys,
		broadcast:    broadcast,
		notifier:     notifier,
		log:          log,
		maxGroupSize: maxGroupSize,
	}
}

// CreateDirect returns the direct conversation between two users,
// creating it on first contact. Repeated calls with the pair in either
// order resolve to the same conversation.
func (s *ConversationService) CreateDirect(userID, otherUserID uuid.UUID) (*models.Conversation, error) {
	if userID == otherUserID {
		return nil, apperrors.BadRequest("cannot start a conversation with yourself")
	}

	if _, err := s.users.GetByID(otherUserID); err != nil {
		return nil, apperrors.NotFound("user not found")
	}

	directKey := models.DirectKey(userID, otherUserID)
	if existing, err := s.convs.GetByDirectKey(directKey); err == nil {
		return s.hydrate(existing, userID)
	}

	_, stored, err := s.keys.NewConversationKey()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to generate conversation key", err)
	}

	now := time.Now()
	conv := &models.Conversation{
		ID:                uuid.New(),
		Type:              models.ConversationDirect,
		DirectKey:         &directKey,
		ConversationKey:   stored,
		EncryptionEnabled: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// Direct conversations have no hierarchy; both sides are owners.
	participants := []*models.Participant{
		newParticipant(conv.ID, userID, models.RoleOwner, now),
		newParticipant(conv.ID, otherUserID, models.RoleOwner, now),
	}

	if err := s.convs.CreateDirect(conv, participants); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost the race; the unique direct_key index guarantees a winner.
			if winner, ferr := s.convs.GetByDirectKey(directKey); ferr == nil {
				return s.hydrate(winner, userID)
			}
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to create conversation", err)
	}

	view, err := s.hydrate(conv, userID)
	if err != nil {
		return nil, err
	}

	for _, p := range participants {
		s.broadcast.Emit(models.UserRoom(p.UserID), models.EventConversationCreated, view)
	}
	return view, nil
}

// CreateGroup creates a group conversation with the creator as owner.
func (s *ConversationService) CreateGroup(creatorID uuid.UUID, req *models.CreateGroupConversationRequest) (*models.Conversation, error) {
	name, err := req.ValidateName()
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	memberIDs := dedupeWith(creatorID, req.ParticipantIDs)
	if len(memberIDs) < minGroupSize {
		return nil, apperrors.BadRequest("a group needs at least 2 participants")
	}
	if len(memberIDs) > s.maxGroupSize {
		return nil, apperrors.BadRequest(fmt.Sprintf("a group can have at most %d participants", s.maxGroupSize))
	}

	missing, err := s.users.FindMissing(memberIDs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to verify participants", err)
	}
	if len(missing) > 0 {
		return nil, apperrors.BadRequest("unknown participants: " + joinIDs(missing))
	}

	_, stored, err := s.keys.NewConversationKey()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to generate conversation key", err)
	}

	now := time.Now()
	conv := &models.Conversation{
		ID:                uuid.New(),
		Type:              models.ConversationGroup,
		Name:              &name,
		Description:       trimmedOrNil(req.Description),
		AvatarURL:         req.AvatarURL,
		OwnerID:           &creatorID,
		ConversationKey:   stored,
		EncryptionEnabled: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	participants := make([]*models.Participant, 0, len(memberIDs))
	for _, id := range memberIDs {
		role := models.RoleMember
		if id == creatorID {
			role = models.RoleOwner
		}
		participants = append(participants, newParticipant(conv.ID, id, role, now))
	}

	if err := s.convs.CreateGroup(conv, participants); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to create group", err)
	}

	view, err := s.hydrate(conv, creatorID)
	if err != nil {
		return nil, err
	}

	for _, id := range memberIDs {
		s.broadcast.Emit(models.UserRoom(id), models.EventConversationCreated, view)
		if id != creatorID {
			s.dispatchNotification(id, "group_invite", map[string]interface{}{
				"conversation_id": conv.ID,
				"name":            name,
				"invited_by":      creatorID,
			})
		}
	}
	return view, nil
}

// GetByID returns a conversation with its active roster. Only the
// requesting user's unread/mute state is included.
func (s *ConversationService) GetByID(conversationID, userID uuid.UUID) (*models.Conversation, error) {
	if _, err := s.requireActiveParticipant(conversationID, userID); err != nil {
		return nil, err
	}
	conv, err := s.convs.GetByID(conversationID)
	if err != nil {
		return nil, apperrors.NotFound("conversation not found")
	}
	return s.hydrate(conv, userID)
}

// ListForUser returns the user's conversations filtered by archive state,
// newest activity first, with rosters and an undecrypted last-message
// preview.
func (s *ConversationService) ListForUser(userID uuid.UUID, archived bool, page, limit int) ([]models.Conversation, error) {
	limit, offset := pageBounds(page, limit)

	convs, err := s.convs.ListForUser(userID, archived, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to list conversations", err)
	}

	views := make([]models.Conversation, 0, len(convs))
	for i := range convs {
		view, err := s.hydrate(&convs[i], userID)
		if err != nil {
			s.log.Warn("failed to hydrate conversation",
				zap.String("conversation_id", convs[i].ID.String()), zap.Error(err))
			continue
		}
		views = append(views, *view)
	}
	return views, nil
}

// AddParticipants adds users to a group. Already-active members are
// skipped; previously removed members are reactivated.
func (s *ConversationService) AddParticipants(conversationID, actorID uuid.UUID, newUserIDs []uuid.UUID) (*models.Conversation, error) {
	actor, err := s.requireActiveParticipant(conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.CanModerate() {
		return nil, apperrors.Forbidden("only the owner or admins can add participants")
	}

	conv, err := s.convs.GetByID(conversationID)
	if err != nil {
		return nil, apperrors.NotFound("conversation not found")
	}
	if conv.Type != models.ConversationGroup {
		return nil, apperrors.BadRequest("cannot add participants to a direct conversation")
	}

	ids := dedupe(newUserIDs)
	if len(ids) == 0 {
		return nil, apperrors.BadRequest("no participants given")
	}

	missing, err := s.users.FindMissing(ids)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to verify participants", err)
	}
	if len(missing) > 0 {
		return nil, apperrors.BadRequest("unknown participants: " + joinIDs(missing))
	}

	toAdd := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		p, err := s.convs.GetParticipant(conversationID, id)
		if err == nil && p.IsActive {
			continue
		}
		toAdd = append(toAdd, id)
	}
	if len(toAdd) == 0 {
		return nil, apperrors.BadRequest("all given users are already participants")
	}

	active, err := s.convs.CountActive(conversationID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to count participants", err)
	}
	if active+len(toAdd) > s.maxGroupSize {
		return nil, apperrors.BadRequest(fmt.Sprintf("a group can have at most %d participants", s.maxGroupSize))
	}

	now := time.Now()
	for _, id := range toAdd {
		if err := s.convs.UpsertParticipant(newParticipant(conversationID, id, models.RoleMember, now)); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to add participant", err)
		}
	}

	view, err := s.hydrate(conv, actorID)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"conversation_id": conversationID,
		"added_by":        actorID,
		"participant_ids": toAdd,
	}
	s.broadcast.Emit(models.ConversationRoom(conversationID), models.EventParticipantAdded, payload)
	for _, id := range toAdd {
		s.broadcast.Emit(models.UserRoom(id), models.EventConversationCreated, view)
		s.dispatchNotification(id, "group_invite", payload)
	}
	return view, nil
}

// RemoveParticipant removes a user from a conversation. Users may always
// remove themselves; removing others takes owner/admin role; the owner
// can only be removed by themselves, which transfers ownership to the
// earliest-joined remaining admin, falling back to the earliest member.
func (s *ConversationService) RemoveParticipant(conversationID, actorID, targetID uuid.UUID) error {
	actor, err := s.requireActiveParticipant(conversationID, actorID)
	if err != nil {
		return err
	}

	target, err := s.convs.GetParticipant(conversationID, targetID)
	if err != nil || !target.IsActive {
		return apperrors.NotFound("participant not found")
	}

	if actorID != targetID {
		if !actor.CanModerate() {
			return apperrors.Forbidden("only the owner or admins can remove participants")
		}
		if target.Role == models.RoleOwner {
			return apperrors.Forbidden("the owner cannot be removed")
		}
	}

	now := time.Now()
	if err := s.convs.DeactivateParticipant(conversationID, targetID, now); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to remove participant", err)
	}

	if target.Role == models.RoleOwner {
		if err := s.transferOwnership(conversationID); err != nil {
			s.log.Error("ownership transfer failed",
				zap.String("conversation_id", conversationID.String()), zap.Error(err))
		}
	}

	s.broadcast.Emit(models.ConversationRoom(conversationID), models.EventParticipantRemoved, map[string]interface{}{
		"conversation_id": conversationID,
		"participant_id":  targetID,
		"removed_by":      actorID,
	})
	return nil
}

// UpdateMetadata edits a group's name/description/avatar.
func (s *ConversationService) UpdateMetadata(conversationID, actorID uuid.UUID, req *models.UpdateConversationRequest) (*models.Conversation, error) {
	actor, err := s.requireActiveParticipant(conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.CanModerate() {
		return nil, apperrors.Forbidden("only the owner or admins can edit the conversation")
	}

	conv, err := s.convs.GetByID(conversationID)
	if err != nil {
		return nil, apperrors.NotFound("conversation not found")
	}
	if conv.Type != models.ConversationGroup {
		return nil, apperrors.BadRequest("direct conversations have no editable metadata")
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > 100 {
			return nil, apperrors.BadRequest("group name must be 1-100 characters")
		}
		req.Name = &name
	}

	if err := s.convs.UpdateMetadata(conversationID, req.Name, req.Description, req.AvatarURL); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to update conversation", err)
	}

	updated, err := s.convs.GetByID(conversationID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to reload conversation", err)
	}
	view, err := s.hydrate(updated, actorID)
	if err != nil {
		return nil, err
	}

	s.broadcast.Emit(models.ConversationRoom(conversationID), models.EventConversationUpdated, view)
	return view, nil
}

// SetArchived toggles the conversation-wide archive flag. Archiving is
// not per-participant: hiding a direct conversation hides it for both.
func (s *ConversationService) SetArchived(conversationID, userID uuid.UUID, archive bool) error {
	if _, err := s.requireActiveParticipant(conversationID, userID); err != nil {
		return err
	}

	var archivedAt *time.Time
	if archive {
		now := time.Now()
		archivedAt = &now
	}
	if err := s.convs.SetArchived(conversationID, archivedAt); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to update archive state", err)
	}

	s.broadcast.Emit(models.ConversationRoom(conversationID), models.EventConversationUpdated, map[string]interface{}{
		"conversation_id": conversationID,
		"archived":        archive,
	})
	return nil
}

// SetMuted toggles the caller's own mute state.
func (s *ConversationService) SetMuted(conversationID, userID uuid.UUID, mute bool, until *time.Time) error {
	if _, err := s.requireActiveParticipant(conversationID, userID); err != nil {
		return err
	}
	if err := s.convs.SetMuted(conversationID, userID, mute, until); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to update mute state", err)
	}
	return nil
}

// transferOwnership promotes the earliest-joined remaining admin, or the
// earliest-joined member when no admin remains.
func (s *ConversationService) transferOwnership(conversationID uuid.UUID) error {
	participants, err := s.convs.ActiveParticipants(conversationID)
	if err != nil {
		return err
	}
	if len(participants) == 0 {
		return nil
	}

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})

	var successor *models.Participant
	for i := range participants {
		if participants[i].Role == models.RoleAdmin {
			successor = &participants[i]
			break
		}
	}
	if successor == nil {
		successor = &participants[0]
	}

	if err := s.convs.SetParticipantRole(conversationID, successor.UserID, models.RoleOwner); err != nil {
		return err
	}
	if err := s.convs.SetOwner(conversationID, successor.UserID); err != nil {
		return err
	}

	s.broadcast.Emit(models.ConversationRoom(conversationID), models.EventConversationUpdated, map[string]interface{}{
		"conversation_id": conversationID,
		"owner_id":        successor.UserID,
	})
	return nil
}

// requireActiveParticipant gates every operation on membership.
func (s *ConversationService) requireActiveParticipant(conversationID, userID uuid.UUID) (*models.Participant, error) {
	p, err := s.convs.GetParticipant(conversationID, userID)
	if err != nil || !p.IsActive {
		return nil, apperrors.Forbidden("not a participant of this conversation")
	}
	return p, nil
}

// hydrate attaches the active roster and last-message preview. Other
// participants' private state (unread count, mute) is blanked.
func (s *ConversationService) hydrate(conv *models.Conversation, viewerID uuid.UUID) (*models.Conversation, error) {
	roster, err := s.convs.ActiveParticipants(conv.ID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to load participants", err)
	}

	ids := make([]uuid.UUID, 0, len(roster))
	for _, p := range roster {
		ids = append(ids, p.UserID)
	}
	users, err := s.users.GetByIDs(ids)
	if err != nil {
		s.log.Warn("failed to load participant users", zap.Error(err))
		users = map[uuid.UUID]models.User{}
	}

	for i := range roster {
		if u, ok := users[roster[i].UserID]; ok {
			user := u
			roster[i].User = &user
		}
		if roster[i].UserID != viewerID {
			roster[i].UnreadCount = 0
			roster[i].Muted = false
			roster[i].MutedUntil = nil
			roster[i].LastReadAt = nil
		}
	}

	view := *conv
	view.Participants = roster
	if view.LastMessagePreview == nil && view.LastMessageID != nil {
		preview := "Message"
		view.LastMessagePreview = &preview
	}
	return &view, nil
}

func (s *ConversationService) dispatchNotification(userID uuid.UUID, kind string, payload map[string]interface{}) {
	go func() {
		if err := s.notifier.CreateNotification(userID, kind, payload, "normal"); err != nil {
			s.log.Warn("notification dispatch failed",
				zap.String("user_id", userID.String()), zap.String("kind", kind), zap.Error(err))
		}
	}()
}

func newParticipant(conversationID, userID uuid.UUID, role models.ParticipantRole, now time.Time) *models.Participant {
	return &models.Participant{
		ID:             uuid.New(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		IsActive:       true,
		JoinedAt:       now,
	}
}

func dedupeWith(first uuid.UUID, rest []uuid.UUID) []uuid.UUID {
	return dedupe(append([]uuid.UUID{first}, rest...))
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func pageBounds(page, limit int) (boundedLimit, offset int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}
