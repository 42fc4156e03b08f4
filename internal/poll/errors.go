package poll

import (
	"errors"
	"fmt"

	"datepoll/internal/model"
)

var (
	// ErrUnknownDate is returned when a vote targets a date the event does
	// not currently offer.
	ErrUnknownDate = errors.New("date is not a candidate of this event")

	// ErrInvalidStatus is returned for statuses other than yes, no and maybe.
	ErrInvalidStatus = errors.New("invalid vote status")

	// ErrMissingParticipant is returned for a vote without participant id.
	ErrMissingParticipant = errors.New("missing participant id")
)

// UnknownDateError carries the offending date. It matches ErrUnknownDate
// under errors.Is.
type UnknownDateError struct {
	Date model.DateKey
}

func (e *UnknownDateError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownDate, e.Date)
}

func (e *UnknownDateError) Unwrap() error { return ErrUnknownDate }
