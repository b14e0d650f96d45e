// Package seed creates a default admin user on first boot when the users
// table is empty.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/d9705996/logexpert/internal/auth"
	"github.com/d9705996/logexpert/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AdminOptions configures the seed admin user.
type AdminOptions struct {
	Email    string
	Password string // if empty, a random password is generated

	// Out receives the generated password. Nil means no output.
	Out io.Writer
}

// EnsureAdmin creates a seed admin user if no users exist. It is safe to call
// on every startup.
func EnsureAdmin(ctx context.Context, db *gorm.DB, opts AdminOptions, log *slog.Logger) error {
	db = db.WithContext(ctx)

	var count int64
	if err := db.Model(&model.User{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		log.Info("seed admin already exists")
		return nil
	}

	password := opts.Password
	if password == "" {
		var err error
		password, err = generatePassword()
		if err != nil {
			return fmt.Errorf("generate seed password: %w", err)
		}
		if opts.Out != nil {
			fmt.Fprintf(opts.Out, "[logexpert] seed admin password: %s\n", password)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	u := &model.User{
		Email:        opts.Email,
		Name:         "Seed Admin",
		PasswordHash: string(hash),
		Roles:        model.StringSlice{auth.RoleAdmin},
	}
	if err := db.Create(u).Error; err != nil {
		return fmt.Errorf("insert seed admin: %w", err)
	}

	log.Info("seed admin created", "email", opts.Email)
	return nil
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
