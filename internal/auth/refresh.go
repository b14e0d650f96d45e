package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/logexpert/internal/model"
	"gorm.io/gorm"
)

// ErrRefreshInvalid is returned for unknown, revoked or expired refresh tokens.
var ErrRefreshInvalid = errors.New("refresh token invalid")

// RefreshStore persists opaque refresh tokens as SHA-256 hashes.
type RefreshStore struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewRefreshStore returns a RefreshStore issuing tokens valid for ttl.
func NewRefreshStore(db *gorm.DB, ttl time.Duration) *RefreshStore {
	return &RefreshStore{db: db, ttl: ttl, now: time.Now}
}

// IssueRefreshToken stores a new token for userID and returns its plaintext.
func (s *RefreshStore) IssueRefreshToken(ctx context.Context, userID string) (string, error) {
	return s.issue(s.db.WithContext(ctx), userID)
}

func (s *RefreshStore) issue(tx *gorm.DB, userID string) (string, error) {
	raw, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	rt := &model.RefreshToken{
		UserID:    userID,
		TokenHash: hashToken(raw),
		ExpiresAt: s.now().Add(s.ttl),
	}
	if err := tx.Create(rt).Error; err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return raw, nil
}

// RotateRefreshToken revokes rawToken and issues its replacement in one
// transaction. It returns the new token and the owning user id.
func (s *RefreshStore) RotateRefreshToken(ctx context.Context, rawToken string) (token, userID string, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&model.RefreshToken{}).
			Where("token_hash = ? AND revoked_at IS NULL AND expires_at > ?", hashToken(rawToken), now).
			Update("revoked_at", now)
		if res.Error != nil {
			return fmt.Errorf("revoke refresh token: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrRefreshInvalid
		}
		var rt model.RefreshToken
		if err := tx.Where("token_hash = ?", hashToken(rawToken)).First(&rt).Error; err != nil {
			return fmt.Errorf("load refresh token: %w", err)
		}
		userID = rt.UserID
		token, err = s.issue(tx, rt.UserID)
		return err
	})
	if err != nil {
		return "", "", err
	}
	return token, userID, nil
}

// RevokeRefreshToken marks rawToken as revoked. Unknown tokens are ignored.
func (s *RefreshStore) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	return s.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", hashToken(rawToken)).
		Update("revoked_at", s.now()).Error
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
