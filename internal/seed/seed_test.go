package seed_test

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/d9705996/logexpert/internal/auth"
	"github.com/d9705996/logexpert/internal/config"
	"github.com/d9705996/logexpert/internal/db"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func newNullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, _, err := db.New(context.Background(), &config.DBConfig{
		Driver: "sqlite",
		File:   filepath.Join(t.TempDir(), "seed.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gormDB
}

func TestEnsureAdmin_CreatesOnceWithSuppliedPassword(t *testing.T) {
	gormDB := openDB(t)
	ctx := context.Background()
	opts := seed.AdminOptions{Email: "custom@example.com", Password: "my-supplied-password"}

	require.NoError(t, seed.EnsureAdmin(ctx, gormDB, opts, newNullLogger()))
	require.NoError(t, seed.EnsureAdmin(ctx, gormDB, opts, newNullLogger()))

	var users []model.User
	require.NoError(t, gormDB.Find(&users).Error)
	require.Len(t, users, 1)
	assert.Equal(t, "custom@example.com", users[0].Email)
	assert.Equal(t, []string{auth.RoleAdmin}, []string(users[0].Roles))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(users[0].PasswordHash), []byte("my-supplied-password")))
}

func TestEnsureAdmin_GeneratedPasswordIsPrinted(t *testing.T) {
	gormDB := openDB(t)
	var out bytes.Buffer

	require.NoError(t, seed.EnsureAdmin(context.Background(), gormDB,
		seed.AdminOptions{Email: "admin@logexpert.local", Out: &out}, newNullLogger()))

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "[logexpert] seed admin password: "))
	password := strings.TrimPrefix(line, "[logexpert] seed admin password: ")

	var u model.User
	require.NoError(t, gormDB.First(&u).Error)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)))
}
