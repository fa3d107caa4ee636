package store

import (
	"fmt"
	"strings"
)

// Key-path layout shared with the original web client.
const (
	UsersRoot     = "users"
	UserChatsRoot = "userChats"
	MessagesRoot  = "messages"
)

func UserPath(id string) string {
	return UsersRoot + "/" + id
}

func BlockedPath(viewer, peer string) string {
	return UsersRoot + "/" + viewer + "/blockedUsers/" + peer
}

func BlockedSetPath(viewer string) string {
	return UsersRoot + "/" + viewer + "/blockedUsers"
}

func ChatsPath(viewer string) string {
	return UserChatsRoot + "/" + viewer
}

func SummaryPath(viewer, peer string) string {
	return UserChatsRoot + "/" + viewer + "/" + peer
}

func LogPath(pairID string) string {
	return MessagesRoot + "/" + pairID
}

func MessagePath(pairID, key string) string {
	return MessagesRoot + "/" + pairID + "/" + key
}

// SplitPath validates and splits a slash-delimited path into segments.
func SplitPath(path string) ([]string, error) {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// Overlaps reports whether a mutation at mutated is visible from a
// subscription at sub: either path is a prefix (by segment) of the other.
func Overlaps(sub, mutated string) bool {
	return sub == mutated ||
		strings.HasPrefix(mutated, sub+"/") ||
		strings.HasPrefix(sub, mutated+"/")
}
