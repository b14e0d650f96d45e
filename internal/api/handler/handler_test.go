package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/d9705996/logexpert/internal/api"
	"github.com/d9705996/logexpert/internal/api/handler"
	"github.com/d9705996/logexpert/internal/auth"
	"github.com/d9705996/logexpert/internal/billing"
	"github.com/d9705996/logexpert/internal/config"
	"github.com/d9705996/logexpert/internal/db"
	"github.com/d9705996/logexpert/internal/health"
	"github.com/d9705996/logexpert/internal/incident"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/notify"
	"github.com/d9705996/logexpert/internal/oncall"
	"github.com/d9705996/logexpert/internal/realtime"
	"github.com/d9705996/logexpert/internal/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	jwtSecret     = "test-secret-at-least-32-bytes!!!"
	webhookSecret = "whsec_handler_test"
)

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ *model.Incident, transition string, _ []notify.Recipient) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, transition)
	return nil
}

func (n *recordingNotifier) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.transitions...)
}

var tokens = auth.NewTokenIssuer(jwtSecret, 15*time.Minute)

type testEnv struct {
	mux      *http.ServeMux
	db       *gorm.DB
	store    *store.SQLStore
	registry *realtime.Registry
	notifier *recordingNotifier
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gormDB, _, err := db.New(context.Background(), &config.DBConfig{
		Driver: "sqlite",
		File:   filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewSQLStore(gormDB)
	registry := realtime.NewRegistry(16, log)
	schedule := oncall.New(gormDB)
	rec := &recordingNotifier{}

	svc := incident.New(st, rec, log,
		incident.WithResolver(schedule),
		incident.WithPublisher(registry),
	)
	billingCfg := config.BillingConfig{
		WebhookSecret:   webhookSecret,
		PriceStarter:    "price_starter_monthly",
		PricePro:        "price_pro_monthly",
		PriceEnterprise: "price_enterprise_monthly",
	}
	catalog := billing.NewCatalog(billingCfg)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Handlers{
		Health:    health.New(health.Check{Name: "database", Pinger: db.NewPinger(gormDB)}),
		Auth:      handler.NewAuthHandler(gormDB, tokens, time.Hour, log),
		Incidents: handler.NewIncidentHandler(svc, log),
		OnCall:    handler.NewOnCallHandler(schedule, log),
		Billing:   handler.NewBillingHandler(billing.NewReconciler(st, catalog, billingCfg, log), catalog, log),
		Realtime:  handler.NewRealtimeHandler(registry, log),
	}, tokens)

	return &testEnv{mux: mux, db: gormDB, store: st, registry: registry, notifier: rec}
}

func (e *testEnv) createUser(t *testing.T, email, password string, roles ...string) model.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u := model.User{Email: email, Name: email, PasswordHash: string(hash), Roles: model.StringSlice(roles)}
	require.NoError(t, e.db.Create(&u).Error)
	return u
}

func token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := tokens.Issue(auth.Subject{UserID: userID, Email: userID + "@x.test", Roles: roles})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

// attrs builds a JSON:API request document.
func attrs(t *testing.T, typ string, a map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"data": map[string]any{"type": typ, "attributes": a}})
	require.NoError(t, err)
	return string(b)
}

type resource struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

func decodeOne(t *testing.T, w *httptest.ResponseRecorder, dst any) resource {
	t.Helper()
	var doc struct {
		Data resource `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc), w.Body.String())
	if dst != nil {
		require.NoError(t, json.Unmarshal(doc.Data.Attributes, dst))
	}
	return doc.Data
}

type errorDoc struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
		Source *struct {
			Pointer   string `json:"pointer"`
			Parameter string `json:"parameter"`
		} `json:"source"`
	} `json:"errors"`
}

func decodeErrors(t *testing.T, w *httptest.ResponseRecorder) errorDoc {
	t.Helper()
	var doc errorDoc
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc), w.Body.String())
	require.NotEmpty(t, doc.Errors)
	return doc
}
