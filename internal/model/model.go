package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateKeyLayout is the wire format of a DateKey: zero-padded, no time component.
const DateKeyLayout = "2006-01-02"

// ErrInvalidDateKey is returned when a string cannot be normalized into a DateKey.
var ErrInvalidDateKey = errors.New("invalid date key")

// DateKey identifies a single calendar day as "YYYY-MM-DD". Two DateKeys are
// equal iff they denote the same calendar day.
type DateKey string

// DateKeyOf returns the calendar day of t as seen in t's own location.
func DateKeyOf(t time.Time) DateKey {
	return DateKey(t.Format(DateKeyLayout))
}

// DateKeyFor builds a DateKey from its parts. Out-of-range parts are
// normalized the way time.Date does.
func DateKeyFor(year int, month time.Month, day int) DateKey {
	return DateKeyOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// timeOfDayLayouts are the accepted suffixes after the date and its
// 'T' or ' ' separator. Fractional seconds are accepted by time.Parse after
// any seconds field.
var timeOfDayLayouts = []string{
	"15:04",
	"15:04:05",
	"15:04Z07:00",
	"15:04:05Z07:00",
	"15:04:05Z0700",
	"15:04:05 Z07:00",
}

// ParseDateKey normalizes s into a DateKey.
//
// Accepted inputs are a bare "YYYY-MM-DD" or a timestamp that starts with
// one and carries a valid time of day ("2025-01-10T23:30:00-05:00",
// "2025-01-10 08:00"). The calendar day is taken as written; the time of
// day and the offset are dropped, so the same day submitted from different
// timezones yields the same key.
func ParseDateKey(s string) (DateKey, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(DateKeyLayout) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDateKey, s)
	}
	head, rest := s[:len(DateKeyLayout)], s[len(DateKeyLayout):]
	if rest != "" {
		if sep := rest[0]; sep != 'T' && sep != 't' && sep != ' ' {
			return "", fmt.Errorf("%w: %q", ErrInvalidDateKey, s)
		}
		if !validTimeOfDay(strings.ToUpper(rest[1:])) {
			return "", fmt.Errorf("%w: %q", ErrInvalidDateKey, s)
		}
	}
	t, err := time.Parse(DateKeyLayout, head)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDateKey, s)
	}
	return DateKeyOf(t), nil
}

func validTimeOfDay(s string) bool {
	for _, layout := range timeOfDayLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// Normalize is ParseDateKey applied to k.
func (k DateKey) Normalize() (DateKey, error) {
	return ParseDateKey(string(k))
}

// MustDateKey is ParseDateKey for literals known to be valid.
func MustDateKey(s string) DateKey {
	k, err := ParseDateKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Time returns midnight UTC of the day.
func (k DateKey) Time() time.Time {
	t, err := time.Parse(DateKeyLayout, string(k))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Valid reports whether k is a well-formed key.
func (k DateKey) Valid() bool {
	_, err := time.Parse(DateKeyLayout, string(k))
	return err == nil && len(k) == len(DateKeyLayout)
}

func (k DateKey) String() string { return string(k) }

// Status is a participant's answer for one candidate date.
type Status string

const (
	StatusYes   Status = "yes"
	StatusNo    Status = "no"
	StatusMaybe Status = "maybe"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusYes, StatusNo, StatusMaybe}

// ParseStatus accepts a status name case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

func (s Status) Valid() bool {
	switch s {
	case StatusYes, StatusNo, StatusMaybe:
		return true
	}
	return false
}

// Vote is one participant's answer for one EventOption.
type Vote struct {
	ParticipantID string `json:"participantId"`
	Status        Status `json:"status"`
	Note          string `json:"note,omitempty"`
}

// EventOption is a single candidate date of an event plus its votes.
type EventOption struct {
	Date  DateKey `json:"date"`
	Votes []Vote  `json:"votes"`
}

// Event is a scheduling poll owned by its creator.
type Event struct {
	ID          string        `json:"id"`
	PublicID    string        `json:"publicId"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	CreatorID   string        `json:"creatorId"`
	Options     []EventOption `json:"options"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Dates returns the candidate dates in option order.
func (e Event) Dates() []DateKey {
	out := make([]DateKey, 0, len(e.Options))
	for _, o := range e.Options {
		out = append(out, o.Date)
	}
	return out
}

// Clone returns a deep copy so that callers can derive a new Event without
// touching slices shared with the original.
func (e Event) Clone() Event {
	c := e
	c.Options = CloneOptions(e.Options)
	return c
}

// CloneOptions deep-copies an option list including every vote slice.
func CloneOptions(opts []EventOption) []EventOption {
	if opts == nil {
		return nil
	}
	out := make([]EventOption, len(opts))
	for i, o := range opts {
		out[i] = EventOption{Date: o.Date, Votes: append([]Vote(nil), o.Votes...)}
		if out[i].Votes == nil {
			out[i].Votes = []Vote{}
		}
	}
	return out
}

// User is a registered participant or creator.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}
