package models

import "time"

// ConflictDimension identifies which resource kind a booking collides on.
type ConflictDimension string

const (
	DimensionTeacher ConflictDimension = "TEACHER"
	DimensionClass   ConflictDimension = "CLASS"
)

// Period is a committed timetable entry: one subject taught by one teacher in
// a weekly slot within a term, linked to one or more class sections. A period
// with multiple sections is a combined (multi-grade) lesson. Periods are
// immutable after creation; a change is delete + recreate.
type Period struct {
	ID              string    `db:"id" json:"id"`
	TermID          string    `db:"term_id" json:"term_id"`
	SubjectID       string    `db:"subject_id" json:"subject_id"`
	TeacherID       string    `db:"teacher_id" json:"teacher_id"`
	DayOfWeek       DayOfWeek `db:"day_of_week" json:"day_of_week"`
	StartMinute     int       `db:"start_minute" json:"start_minute"`
	EndMinute       int       `db:"end_minute" json:"end_minute"`
	ClassSectionIDs []string  `db:"-" json:"class_section_ids"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Slot returns the period's time slot value.
func (p Period) Slot() TimeSlot {
	return TimeSlot{DayOfWeek: p.DayOfWeek, StartMinute: p.StartMinute, EndMinute: p.EndMinute}
}

// IsCombined reports whether the period spans multiple class sections.
func (p Period) IsCombined() bool {
	return len(p.ClassSectionIDs) > 1
}

// PeriodView is the read-side representation returned by timetable queries.
type PeriodView struct {
	Period
	Start      string `json:"start"`
	End        string `json:"end"`
	IsCombined bool   `json:"is_combined"`
}

// NewPeriodView annotates a period for display.
func NewPeriodView(p Period) PeriodView {
	return PeriodView{
		Period:     p,
		Start:      p.Slot().StartClock(),
		End:        p.Slot().EndClock(),
		IsCombined: p.IsCombined(),
	}
}

// PeriodFilter describes query params for the admin listing endpoint.
type PeriodFilter struct {
	TermID         string
	ClassSectionID string
	TeacherID      string
	SubjectID      string
	DayOfWeek      string
	Page           int
	PageSize       int
	SortBy         string
	SortOrder      string
}

// PeriodConflict is a snapshot of the booking an incoming request collides
// with, surfaced so callers can show what is in the way.
type PeriodConflict struct {
	PeriodID       string            `json:"period_id"`
	TermID         string            `json:"term_id"`
	SubjectID      string            `json:"subject_id"`
	TeacherID      string            `json:"teacher_id"`
	DayOfWeek      DayOfWeek         `json:"day_of_week"`
	Start          string            `json:"start"`
	End            string            `json:"end"`
	Dimension      ConflictDimension `json:"dimension"`
	ClassSectionID string            `json:"class_section_id,omitempty"`
}

// PeriodConflictError is returned when a period collides with an existing one.
type PeriodConflictError struct {
	Dimension ConflictDimension `json:"dimension"`
	Message   string            `json:"message"`
	Conflict  PeriodConflict    `json:"conflict"`
}

// Error implements the error interface for conflict errors.
func (e *PeriodConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}
