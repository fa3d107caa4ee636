package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedRecord = errors.New("malformed store record")

// User is the decoded users/{id} record. Field names follow the store
// layout, so a snapshot is interchangeable with data written by the
// original web client.
type User struct {
	ID           string          `json:"-"`
	Handle       string          `json:"username"`
	Name         string          `json:"name"`
	Avatar       int             `json:"avatar"`
	AvatarImage  string          `json:"avatarImage,omitempty"`
	Bio          string          `json:"bio"`
	Online       bool            `json:"online"`
	LastSeen     int64           `json:"lastSeen"`
	Developer    bool            `json:"isDeveloper"`
	SecretHash   string          `json:"password,omitempty"`
	JoinedAt     int64           `json:"joinedAt,omitempty"`
	BlockedUsers map[string]bool `json:"blockedUsers,omitempty"`
}

// DecodeUser parses a raw users/{id} value. Store payloads are never
// trusted as already-typed; a record without a handle or name is rejected.
func DecodeUser(id string, raw json.RawMessage) (*User, error) {
	if isEmpty(raw) {
		return nil, fmt.Errorf("%w: user %s: empty value", ErrMalformedRecord, id)
	}

	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("%w: user %s: %v", ErrMalformedRecord, id, err)
	}
	if strings.TrimSpace(u.Handle) == "" || strings.TrimSpace(u.Name) == "" {
		return nil, fmt.Errorf("%w: user %s: missing handle or name", ErrMalformedRecord, id)
	}

	u.ID = id
	if u.Avatar <= 0 {
		u.Avatar = 1
	}
	return &u, nil
}

// DecodeUsers parses the whole users collection, skipping entries that
// fail validation. Used by the Directory's full-table scans.
func DecodeUsers(raw json.RawMessage) (map[string]*User, error) {
	users := make(map[string]*User)
	if isEmpty(raw) {
		return users, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: users collection: %v", ErrMalformedRecord, err)
	}

	for id, entry := range entries {
		u, err := DecodeUser(id, entry)
		if err != nil {
			continue
		}
		users[id] = u
	}
	return users, nil
}

// Blocked reports whether peer is in the user's block-set.
func (u *User) Blocked(peer string) bool {
	return u.BlockedUsers[peer]
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
