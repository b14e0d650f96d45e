// Package oncall stores on-call shifts and resolves who should be notified
// about an incident.
package oncall

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/d9705996/logexpert/internal/errs"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/notify"
	"gorm.io/gorm"
)

// ShiftInput is the payload for CreateShift.
type ShiftInput struct {
	UserID   string
	Source   string // empty means the default rotation
	StartsAt time.Time
	EndsAt   time.Time
}

// Schedule manages shifts and implements the incident recipient resolver.
type Schedule struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Schedule backed by db.
func New(db *gorm.DB) *Schedule {
	return &Schedule{db: db, now: time.Now}
}

// CreateShift validates in and stores a new shift.
func (s *Schedule) CreateShift(ctx context.Context, in ShiftInput) (*model.OnCallShift, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, errs.Invalid("user_id", "is required")
	}
	if in.StartsAt.IsZero() || in.EndsAt.IsZero() {
		return nil, errs.Invalid("starts_at", "start and end are required")
	}
	if !in.EndsAt.After(in.StartsAt) {
		return nil, errs.Invalid("ends_at", "must be after starts_at")
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = model.DefaultRotation
	}

	var user model.User
	if err := s.db.WithContext(ctx).Select("id").Where("id = ?", in.UserID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Invalid("user_id", "unknown user")
		}
		return nil, errs.Persistence("lookup shift user", err)
	}

	shift := &model.OnCallShift{
		UserID:   in.UserID,
		Source:   source,
		StartsAt: in.StartsAt.UTC(),
		EndsAt:   in.EndsAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Omit("User").Create(shift).Error; err != nil {
		return nil, errs.Persistence("create shift", err)
	}
	return shift, nil
}

// NotificationChannels returns the channels userID opted into. An empty
// result means every channel.
func (s *Schedule) NotificationChannels(ctx context.Context, userID string) ([]string, error) {
	var u model.User
	err := s.db.WithContext(ctx).Select("id", "notification_channels").Where("id = ?", userID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Persistence("load notification channels", err)
	}
	return channelList(u.NotificationChannels), nil
}

// SetNotificationChannels replaces the channels userID is reached through.
// Duplicates are dropped; an empty list restores every channel.
func (s *Schedule) SetNotificationChannels(ctx context.Context, userID string, channels []string) ([]string, error) {
	clean := make(model.StringSlice, 0, len(channels))
	for _, c := range channels {
		c = strings.ToLower(strings.TrimSpace(c))
		if !notify.ValidChannel(c) {
			return nil, errs.Invalid("channels", fmt.Sprintf("unknown channel %q", c))
		}
		if !slices.Contains(clean, c) {
			clean = append(clean, c)
		}
	}
	res := s.db.WithContext(ctx).Model(&model.User{ID: userID}).
		Select("NotificationChannels").
		Updates(&model.User{NotificationChannels: clean})
	if res.Error != nil {
		return nil, errs.Persistence("update notification channels", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errs.ErrNotFound
	}
	return channelList(clean), nil
}

func channelList(c model.StringSlice) []string {
	if c == nil {
		return []string{}
	}
	return []string(c)
}

// ListShifts returns shifts overlapping [from, to), ordered by start. Zero
// bounds are open.
func (s *Schedule) ListShifts(ctx context.Context, from, to time.Time) ([]model.OnCallShift, error) {
	q := s.db.WithContext(ctx).Preload("User")
	if !from.IsZero() {
		q = q.Where("ends_at > ?", from)
	}
	if !to.IsZero() {
		q = q.Where("starts_at < ?", to)
	}
	out := []model.OnCallShift{}
	if err := q.Order("starts_at").Order("id").Find(&out).Error; err != nil {
		return nil, errs.Persistence("list shifts", err)
	}
	return out, nil
}

// Recipients returns the users on call for inc.Source right now, falling
// back to the default rotation, plus the assignee. Each user appears once.
func (s *Schedule) Recipients(ctx context.Context, inc *model.Incident) ([]notify.Recipient, error) {
	now := s.now().UTC()
	var active []model.OnCallShift
	err := s.db.WithContext(ctx).Preload("User").
		Where("source IN ? AND starts_at <= ? AND ends_at > ?", []string{inc.Source, model.DefaultRotation}, now, now).
		Order("starts_at").Order("id").
		Find(&active).Error
	if err != nil {
		return nil, errs.Persistence("list active shifts", err)
	}

	chosen := active[:0:0]
	for _, sh := range active {
		if sh.Source == inc.Source {
			chosen = append(chosen, sh)
		}
	}
	if len(chosen) == 0 {
		chosen = active
	}

	seen := make(map[string]bool)
	var out []notify.Recipient
	add := func(u model.User) {
		if u.ID == "" || seen[u.ID] || u.DeactivatedAt != nil {
			return
		}
		seen[u.ID] = true
		out = append(out, notify.Recipient{UserID: u.ID, Email: u.Email, Name: u.Name, Channels: u.NotificationChannels})
	}
	for _, sh := range chosen {
		add(sh.User)
	}

	if inc.AssigneeID != nil && !seen[*inc.AssigneeID] {
		var u model.User
		err := s.db.WithContext(ctx).Where("id = ?", *inc.AssigneeID).First(&u).Error
		switch {
		case err == nil:
			add(u)
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Assignees are free-form ids; keep them reachable by id.
			seen[*inc.AssigneeID] = true
			out = append(out, notify.Recipient{UserID: *inc.AssigneeID})
		default:
			return nil, fmt.Errorf("lookup assignee: %w", err)
		}
	}
	return out, nil
}
