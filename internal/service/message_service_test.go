package service

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaychat/backend/internal/encryption"
	"github.com/relaychat/backend/internal/models"
)

func (e *testEnv) send(t *testing.T, conversationID, senderID uuid.UUID, content string) *models.Message {
	t.Helper()
	msg, err := e.msgs.Send(conversationID, senderID, &models.SendMessageRequest{Content: content})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// Distinct timestamps keep ordering assertions deterministic.
	time.Sleep(time.Millisecond)
	return msg
}

func TestSend_EncryptsAndCounts(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)

	msg := env.send(t, conv.ID, alice, "hi")

	if msg.Content != "hi" {
		t.Errorf("expected plaintext content back, got %q", msg.Content)
	}
	if msg.EncryptedContent == "hi" || msg.EncryptedContent == "" {
		t.Error("expected stored content to be an encrypted envelope")
	}
	env2, err := encryption.ParseEnvelope(msg.EncryptedContent)
	if err != nil {
		t.Fatalf("stored content is not a valid envelope: %v", err)
	}
	if env2.Ciphertext == "" || env2.IV == "" || env2.AuthTag == "" {
		t.Error("expected all envelope fields to be populated")
	}

	stored, err := env.store.conversationByID(conv.ID)
	if err != nil {
		t.Fatalf("failed to reload conversation: %v", err)
	}
	if stored.MessageCount != 1 {
		t.Errorf("expected message count 1, got %d", stored.MessageCount)
	}
	if stored.LastMessageID == nil || *stored.LastMessageID != msg.ID {
		t.Error("expected last message pointer to be set")
	}

	bobState, _ := env.store.GetParticipant(conv.ID, bob)
	if bobState.UnreadCount != 1 {
		t.Errorf("expected bob's unread count 1, got %d", bobState.UnreadCount)
	}
	aliceState, _ := env.store.GetParticipant(conv.ID, alice)
	if aliceState.UnreadCount != 0 {
		t.Errorf("expected alice's unread count 0, got %d", aliceState.UnreadCount)
	}

	sent := env.broadcast.eventsNamed(models.EventMessageSent)
	if len(sent) != 1 || sent[0].Room != models.ConversationRoom(conv.ID) {
		t.Error("expected one message event on the conversation room")
	}
}

func TestSend_Validation(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, _ := env.directConversation(t)

	// Neither content nor attachments.
	if _, err := env.msgs.Send(conv.ID, alice, &models.SendMessageRequest{Content: "   "}); err == nil {
		t.Error("expected error for an empty message")
	}

	// Attachment-only messages are fine.
	msg, err := env.msgs.Send(conv.ID, alice, &models.SendMessageRequest{
		Attachments: []models.Attachment{{URL: "/uploads/a.png", Size: 100, MimeType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("attachment-only send failed: %v", err)
	}
	if msg.Content != "" {
		t.Errorf("expected empty content, got %q", msg.Content)
	}

	// Unknown message type.
	if _, err := env.msgs.Send(conv.ID, alice, &models.SendMessageRequest{
		Content: "x", MessageType: "carrier-pigeon",
	}); err == nil {
		t.Error("expected error for an invalid message type")
	}

	// Oversized attachment.
	if _, err := env.msgs.Send(conv.ID, alice, &models.SendMessageRequest{
		Attachments: []models.Attachment{{URL: "/uploads/big.bin", Size: models.MaxAttachmentSize + 1}},
	}); err == nil {
		t.Error("expected error for an oversized attachment")
	}
}

func TestSend_NonParticipant(t *testing.T) {
	env := newTestEnv(t)
	conv, _, _ := env.directConversation(t)
	stranger := env.directory.addUser("stranger")

	if _, err := env.msgs.Send(conv.ID, stranger, &models.SendMessageRequest{Content: "hi"}); err == nil {
		t.Fatal("expected error for a non-participant sender")
	}
}

func TestSend_ReplyValidation(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, _ := env.directConversation(t)
	other, carol, _ := env.directConversation(t)

	foreign := env.send(t, other.ID, carol, "elsewhere")

	// Reply target in another conversation.
	if _, err := env.msgs.Send(conv.ID, alice, &models.SendMessageRequest{
		Content: "re", ReplyTo: &foreign.ID,
	}); err == nil {
		t.Error("expected error for a cross-conversation reply")
	}

	// Reply to a deleted message.
	target := env.send(t, conv.ID, alice, "original")
	if err := env.msgs.Delete(target.ID, alice, "everyone"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := env.msgs.Send(conv.ID, alice, &models.SendMessageRequest{
		Content: "re", ReplyTo: &target.ID,
	}); err == nil {
		t.Error("expected error replying to a deleted message")
	}
}

func TestGetMessages_OldestFirstAndDecrypted(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)

	contents := []string{"one", "two", "three", "four", "five"}
	for _, c := range contents {
		env.send(t, conv.ID, alice, c)
	}

	msgs, err := env.msgs.GetMessages(conv.ID, bob, &models.GetMessagesQuery{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("expected %d messages, got %d", len(contents), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != contents[i] {
			t.Errorf("message %d: expected %q, got %q", i, contents[i], m.Content)
		}
		if i > 0 && msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Error("expected messages in ascending creation order")
		}
	}
}

func TestGetMessages_Pagination(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, _ := env.directConversation(t)

	for _, c := range []string{"one", "two", "three", "four", "five"} {
		env.send(t, conv.ID, alice, c)
	}

	// Page 1 holds the newest messages, served oldest-first.
	page1, err := env.msgs.GetMessages(conv.ID, alice, &models.GetMessagesQuery{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(page1) != 2 || page1[0].Content != "four" || page1[1].Content != "five" {
		t.Errorf("unexpected page 1: %v", contentsOf(page1))
	}

	page2, err := env.msgs.GetMessages(conv.ID, alice, &models.GetMessagesQuery{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(page2) != 2 || page2[0].Content != "two" || page2[1].Content != "three" {
		t.Errorf("unexpected page 2: %v", contentsOf(page2))
	}
}

func contentsOf(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestGetMessages_DecryptFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, _ := env.directConversation(t)

	good := env.send(t, conv.ID, alice, "readable")
	bad := env.send(t, conv.ID, alice, "doomed")

	// Corrupt the stored ciphertext directly.
	env.store.mu.Lock()
	env.store.messages[bad.ID].EncryptedContent = `{"ciphertext":"AAAA","iv":"AAAA","authTag":"AAAA"}`
	env.store.mu.Unlock()

	msgs, err := env.msgs.GetMessages(conv.ID, alice, &models.GetMessagesQuery{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("expected the page to survive a decrypt failure: %v", err)
	}
	for _, m := range msgs {
		switch m.ID {
		case good.ID:
			if m.Content != "readable" {
				t.Errorf("expected good message to decrypt, got %q", m.Content)
			}
		case bad.ID:
			if m.Content != "" {
				t.Errorf("expected corrupted message to degrade to empty content, got %q", m.Content)
			}
		}
	}
}

func TestEdit(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)
	msg := env.send(t, conv.ID, alice, "first")

	edited, err := env.msgs.Edit(msg.ID, alice, "second")
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if edited.Content != "second" || !edited.IsEdited || edited.EditedAt == nil {
		t.Error("expected edited content and edit markers")
	}

	// Only the sender can edit.
	if _, err := env.msgs.Edit(msg.ID, bob, "hijack"); err == nil {
		t.Error("expected error when a non-sender edits")
	}

	// Deleted messages cannot be edited.
	if err := env.msgs.Delete(msg.ID, alice, "everyone"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := env.msgs.Edit(msg.ID, alice, "too late"); err == nil {
		t.Error("expected error editing a deleted message")
	}
}

func TestDelete_ForMe(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)
	msg := env.send(t, conv.ID, alice, "now you see me")

	if err := env.msgs.Delete(msg.ID, bob, "me"); err != nil {
		t.Fatalf("delete for me failed: %v", err)
	}

	bobView, err := env.msgs.GetMessages(conv.ID, bob, &models.GetMessagesQuery{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(bobView) != 0 {
		t.Error("expected the message hidden from bob")
	}

	aliceView, err := env.msgs.GetMessages(conv.ID, alice, &models.GetMessagesQuery{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(aliceView) != 1 {
		t.Error("expected the message still visible to alice")
	}

	// The conversation counter is untouched by a per-user delete.
	stored, _ := env.store.conversationByID(conv.ID)
	if stored.MessageCount != 1 {
		t.Errorf("expected message count 1, got %d", stored.MessageCount)
	}
}

func TestDelete_ForEveryone(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)
	msg := env.send(t, conv.ID, alice, "gone soon")

	// A non-sender without moderator rights cannot delete for everyone;
	// both direct participants are owners, so use a group instead.
	group, creator, members := env.groupConversation(t, 2)
	groupMsg := env.send(t, group.ID, creator, "group message")
	if err := env.msgs.Delete(groupMsg.ID, members[0], "everyone"); err == nil {
		t.Error("expected error when a plain member deletes another's message for everyone")
	}

	if err := env.msgs.Delete(msg.ID, alice, "everyone"); err != nil {
		t.Fatalf("delete for everyone failed: %v", err)
	}

	for _, viewer := range []uuid.UUID{alice, bob} {
		view, err := env.msgs.GetMessages(conv.ID, viewer, &models.GetMessagesQuery{Page: 1, Limit: 10})
		if err != nil {
			t.Fatalf("GetMessages failed: %v", err)
		}
		if len(view) != 0 {
			t.Errorf("expected no visible messages for %s", viewer)
		}
	}

	stored, _ := env.store.conversationByID(conv.ID)
	if stored.MessageCount != 0 {
		t.Errorf("expected message count back to 0, got %d", stored.MessageCount)
	}

	// Deleting again must not drive the counter negative.
	if err := env.msgs.Delete(msg.ID, alice, "everyone"); err != nil {
		t.Fatalf("repeated delete failed: %v", err)
	}
	stored, _ = env.store.conversationByID(conv.ID)
	if stored.MessageCount != 0 {
		t.Errorf("expected message count floored at 0, got %d", stored.MessageCount)
	}
}

func TestDelete_InvalidScope(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, _ := env.directConversation(t)
	msg := env.send(t, conv.ID, alice, "hello")

	if err := env.msgs.Delete(msg.ID, alice, "later"); err == nil {
		t.Fatal("expected error for an unknown delete scope")
	}
}

func TestToggleReaction_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)
	msg := env.send(t, conv.ID, alice, "react to this")

	added, err := env.msgs.ToggleReaction(msg.ID, bob, "👍")
	if err != nil {
		t.Fatalf("toggle on failed: %v", err)
	}
	if added.Removed || added.Reaction == nil {
		t.Error("expected the first toggle to add")
	}
	stored, _ := fakeMsgStore{env.store}.GetByID(msg.ID)
	if stored.ReactionsCount != 1 {
		t.Errorf("expected reaction count 1, got %d", stored.ReactionsCount)
	}

	removed, err := env.msgs.ToggleReaction(msg.ID, bob, "👍")
	if err != nil {
		t.Fatalf("toggle off failed: %v", err)
	}
	if !removed.Removed {
		t.Error("expected the second toggle to remove")
	}
	stored, _ = fakeMsgStore{env.store}.GetByID(msg.ID)
	if stored.ReactionsCount != 0 {
		t.Errorf("expected reaction count back to 0, got %d", stored.ReactionsCount)
	}
	if r, _ := env.store.GetReaction(msg.ID, bob, "👍"); r != nil {
		t.Error("expected the reaction row to be gone")
	}
}

func TestToggleReaction_InvalidEmoji(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, _ := env.directConversation(t)
	msg := env.send(t, conv.ID, alice, "x")

	if _, err := env.msgs.ToggleReaction(msg.ID, alice, ""); err == nil {
		t.Error("expected error for an empty emoji")
	}
	if _, err := env.msgs.ToggleReaction(msg.ID, alice, "waaaaaay too long"); err == nil {
		t.Error("expected error for an oversized emoji")
	}
}

func TestMarkRead_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)
	msg := env.send(t, conv.ID, alice, "read me")

	first, err := env.msgs.MarkRead(msg.ID, bob)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	second, err := env.msgs.MarkRead(msg.ID, bob)
	if err != nil {
		t.Fatalf("repeated MarkRead failed: %v", err)
	}
	if first.ID != second.ID {
		t.Error("expected the same receipt on repeat")
	}

	stored, _ := fakeMsgStore{env.store}.GetByID(msg.ID)
	if stored.ReadCount != 1 {
		t.Errorf("expected read count 1, got %d", stored.ReadCount)
	}
	p, _ := env.store.GetParticipant(conv.ID, bob)
	if p.UnreadCount != 0 {
		t.Errorf("expected unread count 0, got %d", p.UnreadCount)
	}
	if p.LastReadAt == nil {
		t.Error("expected last read time to advance")
	}
}

func TestMarkAllRead(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)

	for _, c := range []string{"one", "two", "three"} {
		env.send(t, conv.ID, alice, c)
	}

	marked, err := env.msgs.MarkAllRead(conv.ID, bob)
	if err != nil {
		t.Fatalf("MarkAllRead failed: %v", err)
	}
	if marked != 3 {
		t.Errorf("expected 3 newly marked messages, got %d", marked)
	}

	p, _ := env.store.GetParticipant(conv.ID, bob)
	if p.UnreadCount != 0 {
		t.Errorf("expected unread count 0, got %d", p.UnreadCount)
	}

	msgs, _ := env.msgs.GetMessages(conv.ID, bob, &models.GetMessagesQuery{Page: 1, Limit: 10})
	for _, m := range msgs {
		if m.ReadAt == nil {
			t.Errorf("expected a receipt on message %q", m.Content)
		}
		if m.ReadCount != 1 {
			t.Errorf("expected read count 1 on %q, got %d", m.Content, m.ReadCount)
		}
	}

	// A second pass finds nothing to mark.
	marked, err = env.msgs.MarkAllRead(conv.ID, bob)
	if err != nil {
		t.Fatalf("repeated MarkAllRead failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("expected 0 newly marked messages, got %d", marked)
	}
}

func TestSetPinned(t *testing.T) {
	env := newTestEnv(t)
	group, creator, members := env.groupConversation(t, 2)
	msg := env.send(t, group.ID, members[0], "pin me")

	// Plain members cannot pin.
	if _, err := env.msgs.SetPinned(msg.ID, members[0], true); err == nil {
		t.Error("expected error when a member pins")
	}

	pinned, err := env.msgs.SetPinned(msg.ID, creator, true)
	if err != nil {
		t.Fatalf("pin failed: %v", err)
	}
	if !pinned.IsPinned || pinned.PinnedBy == nil || *pinned.PinnedBy != creator {
		t.Error("expected pin markers on the message")
	}

	list, err := env.msgs.ListPinned(group.ID, members[0], 1, 20)
	if err != nil {
		t.Fatalf("ListPinned failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != msg.ID {
		t.Error("expected the pinned message in the list")
	}
	if list[0].Content != "pin me" {
		t.Errorf("expected pinned content decrypted, got %q", list[0].Content)
	}

	if _, err := env.msgs.SetPinned(msg.ID, creator, false); err != nil {
		t.Fatalf("unpin failed: %v", err)
	}
	list, _ = env.msgs.ListPinned(group.ID, members[0], 1, 20)
	if len(list) != 0 {
		t.Error("expected no pinned messages after unpin")
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	conv, alice, bob := env.directConversation(t)
	env.send(t, conv.ID, alice, "needle")
	env.send(t, conv.ID, alice, "haystack")

	// Empty query is rejected.
	if _, err := env.msgs.Search(conv.ID, bob, "  ", 1, 20); err == nil {
		t.Error("expected error for an empty query")
	}

	// Content is encrypted at rest, so the server returns the recent
	// window unfiltered for the client to search on decrypted text.
	msgs, err := env.msgs.Search(conv.ID, bob, "needle", 1, 20)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected the full window, got %d messages", len(msgs))
	}

	stranger := env.directory.addUser("stranger")
	if _, err := env.msgs.Search(conv.ID, stranger, "needle", 1, 20); err == nil {
		t.Error("expected error for a non-participant")
	}
}
