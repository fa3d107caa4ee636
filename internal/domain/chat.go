package domain

import (
	"encoding/json"
	"fmt"
)

// ChatSummary is one userChats/{viewer}/{peer} row: the viewer's cached
// preview of a two-party conversation. The unread count is scoped to the
// viewer and is meaningless to the other side.
type ChatSummary struct {
	LastMessage       string `json:"lastMessage"`
	LastMessageTime   int64  `json:"lastMessageTime"`
	LastMessageSender string `json:"lastMessageSender"`
	Unread            int    `json:"unread"`
}

// DecodeSummaries parses the viewer's whole userChats/{viewer} map.
func DecodeSummaries(raw json.RawMessage) (map[string]ChatSummary, error) {
	out := make(map[string]ChatSummary)
	if isEmpty(raw) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: chat summaries: %v", ErrMalformedRecord, err)
	}
	return out, nil
}

// PairID derives the shared message log id for two users. It is
// order-independent, so both participants resolve to the same log.
func PairID(a, b string) string {
	if a < b {
		return a + "_" + b
	}
	return b + "_" + a
}
