package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"datepoll/internal/model"
	"datepoll/internal/poll"
)

type userRecord struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string
	CreatedAt    time.Time
}

func (userRecord) TableName() string { return "users" }

func (r userRecord) toModel() model.User {
	return model.User{ID: r.ID, Name: r.Name, Email: r.Email, CreatedAt: r.CreatedAt}
}

// Account is a user together with the stored password hash.
type Account struct {
	model.User
	PasswordHash string
}

// NormalizeEmail lower-cases and trims an address so lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser stores a new user. ErrConflict is returned when the email is
// taken.
func (s *Store) CreateUser(ctx context.Context, u model.User, passwordHash string) (model.User, error) {
	rec := userRecord{
		ID:           u.ID,
		Name:         strings.TrimSpace(u.Name),
		Email:        NormalizeEmail(u.Email),
		PasswordHash: passwordHash,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.User{}, translate(err)
	}
	s.names.SetDefault(rec.ID, rec.Name)
	return rec.toModel(), nil
}

// AccountByEmail loads a user with the password hash for login.
func (s *Store) AccountByEmail(ctx context.Context, email string) (Account, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&rec).Error
	if err != nil {
		return Account{}, translate(err)
	}
	return Account{User: rec.toModel(), PasswordHash: rec.PasswordHash}, nil
}

// UserByID loads a user.
func (s *Store) UserByID(ctx context.Context, id string) (model.User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return model.User{}, translate(err)
	}
	return rec.toModel(), nil
}

// Directory resolves participant ids to display names. Ids without a user
// are simply absent from the result; the aggregator substitutes a
// placeholder for them. Names are cached for a few minutes.
func (s *Store) Directory(ctx context.Context, ids []string) (poll.Directory, error) {
	dir := make(poll.Directory, len(ids))
	var missing []string
	for _, id := range lo.Uniq(ids) {
		if name, ok := s.names.Get(id); ok {
			dir[id] = name.(string)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return dir, nil
	}

	var recs []userRecord
	if err := s.db.WithContext(ctx).Select("id", "name").Where("id IN ?", missing).Find(&recs).Error; err != nil {
		return nil, translate(err)
	}
	for _, r := range recs {
		dir[r.ID] = r.Name
		s.names.SetDefault(r.ID, r.Name)
	}
	return dir, nil
}

// ParticipantIDs lists every participant id that voted on the event.
func ParticipantIDs(ev model.Event) []string {
	var ids []string
	for _, o := range ev.Options {
		for _, v := range o.Votes {
			ids = append(ids, v.ParticipantID)
		}
	}
	return lo.Uniq(ids)
}
