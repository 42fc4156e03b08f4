package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"datepoll/internal/model"
)

type eventRecord struct {
	ID          string `gorm:"primaryKey"`
	PublicID    string `gorm:"uniqueIndex;not null"`
	Title       string `gorm:"not null"`
	Description string
	CreatorID   string              `gorm:"index;not null"`
	Options     []model.EventOption `gorm:"serializer:json"`
	// LastDate is the latest candidate date, kept for the retention purge.
	LastDate  string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (eventRecord) TableName() string { return "events" }

// participationRecord indexes which users voted on which event, since the
// votes themselves live inside the JSON column.
type participationRecord struct {
	EventID string `gorm:"primaryKey"`
	UserID  string `gorm:"primaryKey;index"`
}

func (participationRecord) TableName() string { return "participations" }

func (r eventRecord) toModel() model.Event {
	opts := r.Options
	if opts == nil {
		opts = []model.EventOption{}
	}
	return model.Event{
		ID:          r.ID,
		PublicID:    r.PublicID,
		Title:       r.Title,
		Description: r.Description,
		CreatorID:   r.CreatorID,
		Options:     opts,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func recordFromModel(ev model.Event) eventRecord {
	return eventRecord{
		ID:          ev.ID,
		PublicID:    ev.PublicID,
		Title:       ev.Title,
		Description: ev.Description,
		CreatorID:   ev.CreatorID,
		Options:     ev.Options,
		LastDate:    lastDate(ev.Options),
		CreatedAt:   ev.CreatedAt,
	}
}

func lastDate(opts []model.EventOption) string {
	var last model.DateKey
	for _, o := range opts {
		if o.Date > last {
			last = o.Date
		}
	}
	return string(last)
}

func newPublicID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateEvent stores a new event and assigns its ids.
func (s *Store) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.PublicID == "" {
		ev.PublicID = newPublicID()
	}
	if ev.Options == nil {
		ev.Options = []model.EventOption{}
	}
	rec := recordFromModel(ev)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return syncParticipations(tx, rec.ID, ev)
	})
	if err != nil {
		return model.Event{}, translate(err)
	}
	return rec.toModel(), nil
}

// EventByPublicID loads an event by the id used in share links.
func (s *Store) EventByPublicID(ctx context.Context, publicID string) (model.Event, error) {
	var rec eventRecord
	if err := s.db.WithContext(ctx).Where("public_id = ?", publicID).First(&rec).Error; err != nil {
		return model.Event{}, translate(err)
	}
	return rec.toModel(), nil
}

// UpdateEvent reads the event, hands it to fn and writes back what fn
// returns, all inside one transaction. Concurrent updates to the same event
// are serialized; the last one to commit wins. Returning an error from fn
// aborts without writing.
func (s *Store) UpdateEvent(ctx context.Context, publicID string, fn func(model.Event) (model.Event, error)) (model.Event, error) {
	var out eventRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec eventRecord
		if err := tx.Where("public_id = ?", publicID).First(&rec).Error; err != nil {
			return err
		}
		next, err := fn(rec.toModel())
		if err != nil {
			return err
		}

		upd := recordFromModel(next)
		// Identity and ownership never change through an update.
		upd.ID, upd.PublicID, upd.CreatorID, upd.CreatedAt = rec.ID, rec.PublicID, rec.CreatorID, rec.CreatedAt
		if err := tx.Model(&eventRecord{}).Where("id = ?", rec.ID).
			Select("title", "description", "options", "last_date", "updated_at").
			Updates(&upd).Error; err != nil {
			return err
		}
		if err := syncParticipations(tx, rec.ID, next); err != nil {
			return err
		}
		return tx.Where("id = ?", rec.ID).First(&out).Error
	})
	if err != nil {
		return model.Event{}, translate(err)
	}
	return out.toModel(), nil
}

// DeleteEvent removes an event and its participation index.
func (s *Store) DeleteEvent(ctx context.Context, publicID string) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec eventRecord
		if err := tx.Select("id").Where("public_id = ?", publicID).First(&rec).Error; err != nil {
			return err
		}
		if err := tx.Where("event_id = ?", rec.ID).Delete(&participationRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", rec.ID).Delete(&eventRecord{}).Error
	}))
}

// EventsByCreator lists the events a user created, newest first.
func (s *Store) EventsByCreator(ctx context.Context, userID string) ([]model.Event, error) {
	var recs []eventRecord
	err := s.db.WithContext(ctx).Where("creator_id = ?", userID).Order("created_at DESC").Find(&recs).Error
	if err != nil {
		return nil, translate(err)
	}
	return lo.Map(recs, func(r eventRecord, _ int) model.Event { return r.toModel() }), nil
}

// EventsByParticipant lists the events a user voted on, newest first.
func (s *Store) EventsByParticipant(ctx context.Context, userID string) ([]model.Event, error) {
	var recs []eventRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN participations ON participations.event_id = events.id").
		Where("participations.user_id = ?", userID).
		Order("events.created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, translate(err)
	}
	return lo.Map(recs, func(r eventRecord, _ int) model.Event { return r.toModel() }), nil
}

// PurgeBefore deletes events whose latest candidate date is before cutoff.
// Events without any date are kept.
func (s *Store) PurgeBefore(ctx context.Context, cutoff model.DateKey) (int64, error) {
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&eventRecord{}).
			Where("last_date <> '' AND last_date < ?", string(cutoff)).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("event_id IN ?", ids).Delete(&participationRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&eventRecord{})
		purged = res.RowsAffected
		return res.Error
	})
	return purged, translate(err)
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&eventRecord{}).Count(&n).Error
	return n, translate(err)
}

func syncParticipations(tx *gorm.DB, eventID string, ev model.Event) error {
	if err := tx.Where("event_id = ?", eventID).Delete(&participationRecord{}).Error; err != nil {
		return err
	}
	ids := ParticipantIDs(ev)
	if len(ids) == 0 {
		return nil
	}
	recs := lo.Map(ids, func(id string, _ int) participationRecord {
		return participationRecord{EventID: eventID, UserID: id}
	})
	return tx.Create(&recs).Error
}
