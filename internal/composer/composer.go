// Package composer performs the write side of a conversation: appending
// to the shared log and updating both participants' summaries. The two
// summary writes are independent single-path operations with no combined
// guarantee; when both sides send at once, the last writer to a summary
// key wins and unread counts can drift. The message log itself is append
// only and is never corrupted by the race.
package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/store"
)

var (
	ErrEmptyMessage     = errors.New("message has no text, image or reply")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotMessageAuthor = errors.New("only the author can delete a message")
)

const imagePlaceholder = "📷 Image"

type Composer struct {
	store  store.Store
	author *domain.User
	peerID string
	pairID string
}

// New builds a composer for the conversation between author and peer.
// The author snapshot is embedded into every sent message.
func New(st store.Store, author *domain.User, peerID string) *Composer {
	return &Composer{
		store:  st,
		author: author,
		peerID: peerID,
		pairID: domain.PairID(author.ID, peerID),
	}
}

func (c *Composer) PairID() string { return c.pairID }

// Send appends a message and updates both conversation summaries.
//
// The append is the only step that can abort the send. The summary writes
// after it are best-effort: failing them leaves the message delivered with
// stale previews or a wrong unread count, an accepted inconsistency window
// given the store has no cross-path transaction. No rollback is attempted.
func (c *Composer) Send(ctx context.Context, text, image string, reply *domain.ReplyRef) error {
	text = strings.TrimSpace(text)
	if text == "" && image == "" && reply == nil {
		return ErrEmptyMessage
	}
	if text == "" && image != "" {
		text = imagePlaceholder
	}

	now := time.Now().UnixMilli()
	msg := domain.Message{
		AuthorID:    c.author.ID,
		AuthorName:  c.author.Name,
		Avatar:      c.author.Avatar,
		AvatarImage: c.author.AvatarImage,
		Text:        text,
		Image:       image,
		ReplyTo:     reply,
		Timestamp:   now,
		Developer:   c.author.Developer,
	}

	key, err := c.store.Append(ctx, store.LogPath(c.pairID), msg)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	jww.DEBUG.Printf("composer: appended %s to %s", key, c.pairID)

	// The sender has, by definition, read their own message.
	err = c.store.Write(ctx, store.SummaryPath(c.author.ID, c.peerID), domain.ChatSummary{
		LastMessage:       text,
		LastMessageTime:   now,
		LastMessageSender: c.author.ID,
		Unread:            0,
	})
	if err != nil {
		jww.WARN.Printf("composer: own summary write failed: %v", err)
	}

	unread := 1
	raw, err := c.store.Read(ctx, store.SummaryPath(c.peerID, c.author.ID))
	if err != nil {
		// Fall through with unread=1; the direct write below may still land.
		jww.WARN.Printf("composer: reading peer summary failed: %v", err)
	} else if len(raw) > 0 && string(raw) != "null" {
		var prev domain.ChatSummary
		if err := json.Unmarshal(raw, &prev); err == nil {
			unread = prev.Unread + 1
		}
	}

	err = c.store.Write(ctx, store.SummaryPath(c.peerID, c.author.ID), domain.ChatSummary{
		LastMessage:       text,
		LastMessageTime:   now,
		LastMessageSender: c.author.ID,
		Unread:            unread,
	})
	if err != nil {
		jww.WARN.Printf("composer: peer summary write failed: %v", err)
	}

	return nil
}

// MarkRead clears the viewer's unread counter for this conversation.
// Called when the conversation is opened.
func (c *Composer) MarkRead(ctx context.Context) error {
	return c.store.Patch(ctx, store.SummaryPath(c.author.ID, c.peerID), map[string]any{
		"unread": 0,
	})
}

// DeleteMessage removes one log entry. Allowed for the entry's author and
// for developer accounts.
func (c *Composer) DeleteMessage(ctx context.Context, key string) error {
	raw, err := c.store.Read(ctx, store.MessagePath(c.pairID, key))
	if err != nil {
		return err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return ErrMessageNotFound
	}

	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
	}
	if msg.AuthorID != c.author.ID && !c.author.Developer {
		return ErrNotMessageAuthor
	}

	return c.store.Remove(ctx, store.MessagePath(c.pairID, key))
}

// ClearChat removes the whole shared log and resets both summaries to an
// empty preview.
func (c *Composer) ClearChat(ctx context.Context) error {
	if err := c.store.Remove(ctx, store.LogPath(c.pairID)); err != nil {
		return fmt.Errorf("clearing log: %w", err)
	}

	reset := map[string]any{
		"lastMessage":       "",
		"lastMessageTime":   time.Now().UnixMilli(),
		"lastMessageSender": "",
		"unread":            0,
	}
	if err := c.store.Patch(ctx, store.SummaryPath(c.author.ID, c.peerID), reset); err != nil {
		jww.WARN.Printf("composer: own summary reset failed: %v", err)
	}
	if err := c.store.Patch(ctx, store.SummaryPath(c.peerID, c.author.ID), reset); err != nil {
		jww.WARN.Printf("composer: peer summary reset failed: %v", err)
	}
	return nil
}
