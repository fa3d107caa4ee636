// Package directory implements registration, login and profile management
// on top of the store's users collection. Uniqueness checks are full-table
// scans, which is acceptable at the directory sizes this system runs at.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/store"
	"github.com/wavemsg/wave/pkg/validator"
)

var (
	ErrHandleTaken        = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrPermissionDenied   = errors.New("permission denied")
)

// ValidationError carries per-field messages for inline display. Nothing
// is mutated when one is returned.
type ValidationError struct {
	Fields validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	sort.Strings(parts)
	return "validation failed: " + strings.Join(parts, "; ")
}

type Service struct {
	store store.Store
}

func New(st store.Store) *Service {
	return &Service{store: st}
}

// Register creates a new account. The handle must be unique across the
// directory, compared case-insensitively.
func (s *Service) Register(ctx context.Context, name, handle, secret string) (*domain.User, error) {
	if errs := validator.ValidateRegister(name, handle, secret); errs.HasErrors() {
		return nil, &ValidationError{Fields: errs}
	}
	name = strings.TrimSpace(name)
	handle = strings.TrimSpace(handle)

	users, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Handle, handle) {
			return nil, ErrHandleTaken
		}
	}

	hash, err := HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("hashing secret: %w", err)
	}

	now := time.Now().UnixMilli()
	user := &domain.User{
		ID:         uuid.NewString(),
		Handle:     handle,
		Name:       name,
		Avatar:     1,
		Online:     true,
		LastSeen:   now,
		JoinedAt:   now,
		SecretHash: hash,
	}

	if err := s.store.Write(ctx, store.UserPath(user.ID), user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	s.armOffline(user.ID)

	jww.INFO.Printf("directory: registered %s (@%s)", user.ID, user.Handle)
	return user, nil
}

// Login verifies handle and secret against the directory. Accounts still
// carrying the original client's legacy hash are upgraded to argon2id on
// success.
func (s *Service) Login(ctx context.Context, handle, secret string) (*domain.User, error) {
	if errs := validator.ValidateLogin(handle, secret); errs.HasErrors() {
		return nil, &ValidationError{Fields: errs}
	}
	handle = strings.TrimSpace(handle)

	users, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var found *domain.User
	for _, u := range users {
		if u.Handle == handle && VerifySecret(secret, u.SecretHash) {
			found = u
			break
		}
	}
	if found == nil {
		return nil, ErrInvalidCredentials
	}

	if IsLegacyHash(found.SecretHash) {
		if hash, err := HashSecret(secret); err == nil {
			if err := s.store.Patch(ctx, store.UserPath(found.ID), map[string]any{"password": hash}); err == nil {
				found.SecretHash = hash
			}
		}
	}

	now := time.Now().UnixMilli()
	err = s.store.Patch(ctx, store.UserPath(found.ID), map[string]any{
		"online":   true,
		"lastSeen": now,
	})
	if err != nil {
		return nil, fmt.Errorf("marking online: %w", err)
	}
	found.Online = true
	found.LastSeen = now
	s.armOffline(found.ID)

	jww.INFO.Printf("directory: login %s (@%s)", found.ID, found.Handle)
	return found, nil
}

// Lookup fetches one profile.
func (s *Service) Lookup(ctx context.Context, id string) (*domain.User, error) {
	raw, err := s.store.Read(ctx, store.UserPath(id))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrUserNotFound
	}
	return domain.DecodeUser(id, raw)
}

// Search returns profiles whose handle or name contains term, excluding
// the viewer and anyone the viewer has blocked. Results are ordered by
// handle so renders are stable.
func (s *Service) Search(ctx context.Context, term, viewerID string, blocked func(string) bool) ([]*domain.User, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, nil
	}

	users, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var out []*domain.User
	for id, u := range users {
		if id == viewerID {
			continue
		}
		if blocked != nil && blocked(id) {
			continue
		}
		if strings.Contains(strings.ToLower(u.Handle), term) ||
			strings.Contains(strings.ToLower(u.Name), term) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// ChangeHandle renames an account after revalidating and re-scanning for
// collisions with everyone else.
func (s *Service) ChangeHandle(ctx context.Context, userID, newHandle string) error {
	if errs := validator.ValidateHandle(newHandle); errs.HasErrors() {
		return &ValidationError{Fields: errs}
	}
	newHandle = strings.TrimSpace(newHandle)

	users, err := s.scan(ctx)
	if err != nil {
		return err
	}
	for id, u := range users {
		if id != userID && strings.EqualFold(u.Handle, newHandle) {
			return ErrHandleTaken
		}
	}
	if _, ok := users[userID]; !ok {
		return ErrUserNotFound
	}

	return s.store.Patch(ctx, store.UserPath(userID), map[string]any{"username": newHandle})
}

// ProfileUpdate carries the editable profile fields; nil means unchanged.
type ProfileUpdate struct {
	Bio         *string
	Avatar      *int
	AvatarImage *string
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) error {
	fields := make(map[string]any)
	if update.Bio != nil {
		if errs := validator.ValidateProfile(*update.Bio); errs.HasErrors() {
			return &ValidationError{Fields: errs}
		}
		fields["bio"] = strings.TrimSpace(*update.Bio)
	}
	if update.Avatar != nil {
		fields["avatar"] = *update.Avatar
	}
	if update.AvatarImage != nil {
		fields["avatarImage"] = *update.AvatarImage
	}
	if len(fields) == 0 {
		return nil
	}
	return s.store.Patch(ctx, store.UserPath(userID), fields)
}

// DeleteAccount removes the user record and cascades to the user's own
// conversation index. Shared message logs survive, as does the peer-side
// summary; the Chat Index drops rows whose profile no longer resolves.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.store.Remove(ctx, store.UserPath(userID)); err != nil {
		return fmt.Errorf("removing user: %w", err)
	}
	if err := s.store.Remove(ctx, store.ChatsPath(userID)); err != nil {
		jww.WARN.Printf("directory: chat index cleanup for %s failed: %v", userID, err)
	}
	jww.INFO.Printf("directory: deleted account %s", userID)
	return nil
}

// Kick removes another user's account. Developer-flagged accounts only.
func (s *Service) Kick(ctx context.Context, actor *domain.User, targetID string) error {
	if actor == nil || !actor.Developer {
		return ErrPermissionDenied
	}
	if targetID == actor.ID {
		return ErrPermissionDenied
	}
	return s.store.Remove(ctx, store.UserPath(targetID))
}

func (s *Service) scan(ctx context.Context) (map[string]*domain.User, error) {
	raw, err := s.store.Read(ctx, store.UsersRoot)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	return domain.DecodeUsers(raw)
}

// armOffline arms the server-side fallback that flips the account offline
// if the connection drops before a clean logout write lands.
func (s *Service) armOffline(userID string) {
	err := s.store.OnDisconnect(store.UserPath(userID), map[string]any{
		"online":   false,
		"lastSeen": time.Now().UnixMilli(),
	})
	if err != nil {
		jww.WARN.Printf("directory: arming disconnect hook for %s failed: %v", userID, err)
	}
}
