package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaychat/backend/internal/models"
)

// fakeStore is an in-memory ConversationStore and MessageStore sharing
// one state, mirroring the two repositories over one database.
type fakeStore struct {
	mu sync.Mutex

	conversations map[uuid.UUID]*models.Conversation
	participants  map[uuid.UUID]map[uuid.UUID]*models.Participant
	messages      map[uuid.UUID]*models.Message
	reactions     []*models.MessageReaction
	reads         map[uuid.UUID]map[uuid.UUID]*models.MessageRead
	tombstones    map[uuid.UUID]map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[uuid.UUID]*models.Conversation),
		participants:  make(map[uuid.UUID]map[uuid.UUID]*models.Participant),
		messages:      make(map[uuid.UUID]*models.Message),
		reads:         make(map[uuid.UUID]map[uuid.UUID]*models.MessageRead),
		tombstones:    make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (f *fakeStore) create(conv *models.Conversation, participants []*models.Participant) error {
	if conv.Type == models.ConversationDirect && conv.DirectKey != nil {
		for _, existing := range f.conversations {
			if existing.Type == models.ConversationDirect &&
				existing.DirectKey != nil && *existing.DirectKey == *conv.DirectKey {
				return ErrConflict
			}
		}
	}

	c := *conv
	f.conversations[conv.ID] = &c
	f.participants[conv.ID] = make(map[uuid.UUID]*models.Participant)
	for _, p := range participants {
		cp := *p
		f.participants[conv.ID][p.UserID] = &cp
	}
	return nil
}

func (f *fakeStore) CreateDirect(conv *models.Conversation, participants []*models.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.create(conv, participants)
}

func (f *fakeStore) CreateGroup(conv *models.Conversation, participants []*models.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.create(conv, participants)
}

// Both store interfaces declare GetByID with different signatures, so
// the shared state is wrapped by two thin views, mirroring the two
// repositories over one database.
type fakeConvStore struct{ *fakeStore }
type fakeMsgStore struct{ *fakeStore }

func (f fakeConvStore) GetByID(id uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation not found")
	}
	c := *conv
	return &c, nil
}

// conversationByID is a test helper for direct state assertions.
func (f *fakeStore) conversationByID(id uuid.UUID) (*models.Conversation, error) {
	return fakeConvStore{f}.GetByID(id)
}

func (f fakeMsgStore) GetByID(id uuid.UUID) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message not found")
	}
	cm := *m
	return &cm, nil
}

func (f *fakeStore) GetByDirectKey(key string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conv := range f.conversations {
		if conv.Type == models.ConversationDirect && conv.DirectKey != nil && *conv.DirectKey == key {
			c := *conv
			return &c, nil
		}
	}
	return nil, fmt.Errorf("conversation not found")
}

func (f *fakeStore) ListForUser(userID uuid.UUID, archived bool, limit, offset int) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []models.Conversation{}
	for id, conv := range f.conversations {
		p, ok := f.participants[id][userID]
		if !ok || !p.IsActive {
			continue
		}
		if (conv.ArchivedAt != nil) != archived {
			continue
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []models.Conversation{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListConversationIDsForUser(userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []uuid.UUID{}
	for id := range f.conversations {
		if p, ok := f.participants[id][userID]; ok && p.IsActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) GetParticipant(conversationID, userID uuid.UUID) (*models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[conversationID][userID]
	if !ok {
		return nil, fmt.Errorf("participant not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ActiveParticipants(conversationID uuid.UUID) ([]models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Participant{}
	for _, p := range f.participants[conversationID] {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (f *fakeStore) CountActive(conversationID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, p := range f.participants[conversationID] {
		if p.IsActive {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) UpsertParticipant(p *models.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.participants[p.ConversationID] == nil {
		f.participants[p.ConversationID] = make(map[uuid.UUID]*models.Participant)
	}
	if existing, ok := f.participants[p.ConversationID][p.UserID]; ok {
		existing.IsActive = true
		existing.LeftAt = nil
		existing.Role = p.Role
		existing.JoinedAt = p.JoinedAt
		existing.UnreadCount = 0
		return nil
	}
	cp := *p
	f.participants[p.ConversationID][p.UserID] = &cp
	return nil
}

func (f *fakeStore) DeactivateParticipant(conversationID, userID uuid.UUID, leftAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[conversationID][userID]
	if !ok || !p.IsActive {
		return fmt.Errorf("participant not found")
	}
	p.IsActive = false
	p.LeftAt = &leftAt
	return nil
}

func (f *fakeStore) SetParticipantRole(conversationID, userID uuid.UUID, role models.ParticipantRole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[conversationID][userID]; ok {
		p.Role = role
	}
	return nil
}

func (f *fakeStore) SetOwner(conversationID, ownerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.conversations[conversationID]; ok {
		id := ownerID
		conv.OwnerID = &id
	}
	return nil
}

func (f *fakeStore) SetLastMessage(conversationID, messageID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.conversations[conversationID]; ok {
		id, t := messageID, at
		conv.LastMessageID = &id
		conv.LastMessageAt = &t
	}
	return nil
}

func flooredAdd(current, delta int) int {
	if v := current + delta; v > 0 {
		return v
	}
	return 0
}

func (f *fakeStore) AddMessageCount(conversationID uuid.UUID, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.conversations[conversationID]; ok {
		conv.MessageCount = flooredAdd(conv.MessageCount, delta)
	}
	return nil
}

func (f *fakeStore) AddUnreadExcept(conversationID, exceptUserID uuid.UUID, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants[conversationID] {
		if p.UserID != exceptUserID && p.IsActive {
			p.UnreadCount = flooredAdd(p.UnreadCount, delta)
		}
	}
	return nil
}

func (f *fakeStore) AddUnread(conversationID, userID uuid.UUID, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[conversationID][userID]; ok {
		p.UnreadCount = flooredAdd(p.UnreadCount, delta)
	}
	return nil
}

func (f *fakeStore) ResetUnread(conversationID, userID uuid.UUID, lastReadAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[conversationID][userID]; ok {
		p.UnreadCount = 0
		t := lastReadAt
		p.LastReadAt = &t
	}
	return nil
}

func (f *fakeStore) SetLastReadAt(conversationID, userID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[conversationID][userID]; ok {
		if p.LastReadAt == nil || p.LastReadAt.Before(at) {
			t := at
			p.LastReadAt = &t
		}
	}
	return nil
}

func (f *fakeStore) SetArchived(conversationID uuid.UUID, archivedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.conversations[conversationID]; ok {
		conv.ArchivedAt = archivedAt
	}
	return nil
}

func (f *fakeStore) SetMuted(conversationID, userID uuid.UUID, muted bool, until *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[conversationID][userID]; ok {
		p.Muted = muted
		p.MutedUntil = until
	}
	return nil
}

func (f *fakeStore) UpdateMetadata(conversationID uuid.UUID, name, description, avatarURL *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation not found")
	}
	if name != nil {
		conv.Name = name
	}
	if description != nil {
		conv.Description = description
	}
	if avatarURL != nil {
		conv.AvatarURL = avatarURL
	}
	return nil
}

// MessageStore

func (f *fakeStore) Create(m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cm := *m
	f.messages[m.ID] = &cm
	return nil
}

func (f *fakeStore) ListPage(conversationID, viewerID uuid.UUID, limit, offset int, before *time.Time) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []models.Message{}
	for _, m := range f.messages {
		if m.ConversationID != conversationID || m.DeletedAt != nil {
			continue
		}
		if f.tombstones[m.ID][viewerID] {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []models.Message{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) SetContent(id uuid.UUID, encryptedContent, contentHash string, editedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.DeletedAt != nil {
		return fmt.Errorf("message not found")
	}
	m.EncryptedContent = encryptedContent
	m.ContentHash = contentHash
	m.IsEdited = true
	t := editedAt
	m.EditedAt = &t
	return nil
}

func (f *fakeStore) SoftDelete(id, deletedBy uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.DeletedAt != nil {
		return fmt.Errorf("message not found")
	}
	t, by := at, deletedBy
	m.DeletedAt = &t
	m.DeletedBy = &by
	return nil
}

func (f *fakeStore) AddTombstone(messageID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tombstones[messageID] == nil {
		f.tombstones[messageID] = make(map[uuid.UUID]bool)
	}
	f.tombstones[messageID][userID] = true
	return nil
}

func (f *fakeStore) SetPinned(id uuid.UUID, pinnedBy *uuid.UUID, at *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return fmt.Errorf("message not found")
	}
	m.IsPinned = at != nil
	m.PinnedBy = pinnedBy
	m.PinnedAt = at
	return nil
}

func (f *fakeStore) ListPinned(conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Message{}
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.IsPinned && m.DeletedAt == nil {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PinnedAt != nil && out[j].PinnedAt != nil && out[i].PinnedAt.After(*out[j].PinnedAt)
	})
	if offset >= len(out) {
		return []models.Message{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetReaction(messageID, userID uuid.UUID, emoji string) (*models.MessageReaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reactions {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			cr := *r
			return &cr, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) AddReaction(r *models.MessageReaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cr := *r
	f.reactions = append(f.reactions, &cr)
	return nil
}

func (f *fakeStore) RemoveReaction(messageID, userID uuid.UUID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.reactions[:0]
	for _, r := range f.reactions {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			continue
		}
		out = append(out, r)
	}
	f.reactions = out
	return nil
}

func (f *fakeStore) AddReactionsCount(messageID uuid.UUID, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[messageID]; ok {
		m.ReactionsCount = flooredAdd(m.ReactionsCount, delta)
	}
	return nil
}

func (f *fakeStore) ReactionsFor(messageIDs []uuid.UUID) (map[uuid.UUID][]models.ReactionGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[uuid.UUID][]models.ReactionGroup)
	for _, id := range messageIDs {
		byEmoji := map[string]*models.ReactionGroup{}
		order := []string{}
		for _, r := range f.reactions {
			if r.MessageID != id {
				continue
			}
			g, ok := byEmoji[r.Emoji]
			if !ok {
				g = &models.ReactionGroup{Emoji: r.Emoji}
				byEmoji[r.Emoji] = g
				order = append(order, r.Emoji)
			}
			g.Count++
			g.UserIDs = append(g.UserIDs, r.UserID)
		}
		for _, emoji := range order {
			result[id] = append(result[id], *byEmoji[emoji])
		}
	}
	return result, nil
}

func (f *fakeStore) GetRead(messageID, userID uuid.UUID) (*models.MessageRead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reads[messageID][userID]; ok {
		cr := *r
		return &cr, nil
	}
	return nil, nil
}

func (f *fakeStore) AddRead(r *models.MessageRead) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reads[r.MessageID][r.UserID]; ok {
		return false, nil
	}
	if f.reads[r.MessageID] == nil {
		f.reads[r.MessageID] = make(map[uuid.UUID]*models.MessageRead)
	}
	cr := *r
	f.reads[r.MessageID][r.UserID] = &cr
	return true, nil
}

func (f *fakeStore) ReadsFor(messageIDs []uuid.UUID, userID uuid.UUID) (map[uuid.UUID]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[uuid.UUID]time.Time)
	for _, id := range messageIDs {
		if r, ok := f.reads[id][userID]; ok {
			result[id] = r.ReadAt
		}
	}
	return result, nil
}

func (f *fakeStore) AddReadCount(messageID uuid.UUID, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[messageID]; ok {
		m.ReadCount = flooredAdd(m.ReadCount, delta)
	}
	return nil
}

func (f *fakeStore) UnreadIDsSince(conversationID, userID uuid.UUID, since time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type entry struct {
		id uuid.UUID
		at time.Time
	}
	entries := []entry{}
	for _, m := range f.messages {
		if m.ConversationID != conversationID || m.SenderID == userID || m.DeletedAt != nil {
			continue
		}
		if !m.CreatedAt.After(since) {
			continue
		}
		if _, ok := f.reads[m.ID][userID]; ok {
			continue
		}
		entries = append(entries, entry{m.ID, m.CreatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (f *fakeStore) AddReads(userID uuid.UUID, messageIDs []uuid.UUID, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inserted := 0
	for _, id := range messageIDs {
		if _, ok := f.reads[id][userID]; ok {
			continue
		}
		if f.reads[id] == nil {
			f.reads[id] = make(map[uuid.UUID]*models.MessageRead)
		}
		f.reads[id][userID] = &models.MessageRead{
			ID:        uuid.New(),
			MessageID: id,
			UserID:    userID,
			ReadAt:    at,
		}
		if m, ok := f.messages[id]; ok {
			m.ReadCount++
		}
		inserted++
	}
	return inserted, nil
}

// fakeDirectory is an in-memory UserDirectory.
type fakeDirectory struct {
	mu    sync.Mutex
	users map[uuid.UUID]models.User
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: make(map[uuid.UUID]models.User)}
}

func (d *fakeDirectory) addUser(name string) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	d.users[id] = models.User{
		ID:          id,
		Email:       name + "@example.com",
		DisplayName: name,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	return id
}

func (d *fakeDirectory) GetByID(id uuid.UUID) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	return &u, nil
}

func (d *fakeDirectory) GetByIDs(ids []uuid.UUID) (map[uuid.UUID]models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uuid.UUID]models.User)
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (d *fakeDirectory) FindMissing(ids []uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	missing := []uuid.UUID{}
	for _, id := range ids {
		if _, ok := d.users[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// recordingBroadcaster captures emitted events.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []emittedEvent
}

type emittedEvent struct {
	Room    string
	Event   string
	Payload interface{}
}

func (b *recordingBroadcaster) Emit(room, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, emittedEvent{Room: room, Event: event, Payload: payload})
}

func (b *recordingBroadcaster) eventsNamed(event string) []emittedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []emittedEvent{}
	for _, e := range b.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// recordingNotifier counts notifications per user.
type recordingNotifier struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{counts: make(map[uuid.UUID]int)}
}

func (n *recordingNotifier) CreateNotification(userID uuid.UUID, kind string, payload map[string]interface{}, priority string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[userID]++
	return nil
}
