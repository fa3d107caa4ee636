package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

const TypeSystem = "system"

// ReplyRef is a snapshot of the message being replied to, not a live
// link; deleting the original leaves the reference intact.
type ReplyRef struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Message is one entry of a messages/{pairId} log. Entries are append-only
// and never mutated; the author fields are a snapshot taken at send time.
type Message struct {
	Key         string    `json:"-"`
	AuthorID    string    `json:"userId"`
	AuthorName  string    `json:"userName"`
	Avatar      int       `json:"userAvatarGradient"`
	AvatarImage string    `json:"userAvatar,omitempty"`
	Text        string    `json:"text"`
	Image       string    `json:"image,omitempty"`
	ReplyTo     *ReplyRef `json:"replyTo,omitempty"`
	Timestamp   int64     `json:"timestamp"`
	Developer   bool      `json:"isDeveloper"`
	Type        string    `json:"type,omitempty"`
}

// DecodeMessages parses a full messages/{pairId} snapshot and returns the
// entries in ascending timestamp order, ties broken by the store-assigned
// insertion key. Arrival order at the client never matters. Entries that
// fail to decode are skipped; any other client can write into the shared
// log, and one bad sibling must not hide the rest of the conversation.
func DecodeMessages(raw json.RawMessage) ([]Message, error) {
	if isEmpty(raw) {
		return nil, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: message log: %v", ErrMalformedRecord, err)
	}

	msgs := make([]Message, 0, len(entries))
	for key, entry := range entries {
		var m Message
		if err := json.Unmarshal(entry, &m); err != nil {
			continue
		}
		m.Key = key
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].Key < msgs[j].Key
	})
	return msgs, nil
}
