package service

import (
	"sort"
	"sync"

	"github.com/edudesk/timetable-api/internal/models"
)

// BookedSlot is one conflict-index entry: a slot occupied by a period.
type BookedSlot struct {
	PeriodID string
	Slot     models.TimeSlot
}

type indexBucket struct {
	Kind       models.ConflictDimension
	ResourceID string
	TermID     string
	Day        models.DayOfWeek
}

// ConflictIndex is an in-memory projection over the period table answering
// "does resource R already have a booking overlapping slot S in term T?".
// Buckets hold a handful of entries each (periods per resource per day), so a
// sorted-slice linear scan is enough. The index is a cache: the period
// repository remains the source of truth and re-checks under lock on create.
type ConflictIndex struct {
	mu      sync.RWMutex
	buckets map[indexBucket][]BookedSlot
}

// NewConflictIndex returns an empty index.
func NewConflictIndex() *ConflictIndex {
	return &ConflictIndex{buckets: make(map[indexBucket][]BookedSlot)}
}

// FindConflict returns the first booking overlapping the slot in the bucket,
// scanning in start-minute order so retries against identical state report
// the same conflict.
func (ix *ConflictIndex) FindConflict(kind models.ConflictDimension, resourceID, termID string, slot models.TimeSlot) (BookedSlot, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	bucket := ix.buckets[indexBucket{Kind: kind, ResourceID: resourceID, TermID: termID, Day: slot.DayOfWeek}]
	for _, booked := range bucket {
		if booked.Slot.StartMinute >= slot.EndMinute {
			break
		}
		if booked.Slot.Overlaps(slot) {
			return booked, true
		}
	}
	return BookedSlot{}, false
}

// Insert records a booking. Callers must only insert after every conflict
// check for the request has passed, never speculatively.
func (ix *ConflictIndex) Insert(kind models.ConflictDimension, resourceID, termID string, slot models.TimeSlot, periodID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.insertLocked(kind, resourceID, termID, slot, periodID)
}

func (ix *ConflictIndex) insertLocked(kind models.ConflictDimension, resourceID, termID string, slot models.TimeSlot, periodID string) {
	key := indexBucket{Kind: kind, ResourceID: resourceID, TermID: termID, Day: slot.DayOfWeek}
	bucket := append(ix.buckets[key], BookedSlot{PeriodID: periodID, Slot: slot})
	sort.Slice(bucket, func(i, j int) bool {
		if bucket[i].Slot.StartMinute != bucket[j].Slot.StartMinute {
			return bucket[i].Slot.StartMinute < bucket[j].Slot.StartMinute
		}
		return bucket[i].PeriodID < bucket[j].PeriodID
	})
	ix.buckets[key] = bucket
}

// Remove deletes all entries referencing the period from one resource bucket
// group (any day within the term).
func (ix *ConflictIndex) Remove(kind models.ConflictDimension, resourceID, termID, periodID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key, bucket := range ix.buckets {
		if key.Kind != kind || key.ResourceID != resourceID || key.TermID != termID {
			continue
		}
		ix.buckets[key] = withoutPeriod(bucket, periodID)
		if len(ix.buckets[key]) == 0 {
			delete(ix.buckets, key)
		}
	}
}

// RemovePeriod deletes every entry referencing the period across all buckets.
// Used on period deletion, where the period touches one teacher bucket and one
// bucket per linked class section.
func (ix *ConflictIndex) RemovePeriod(periodID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key, bucket := range ix.buckets {
		ix.buckets[key] = withoutPeriod(bucket, periodID)
		if len(ix.buckets[key]) == 0 {
			delete(ix.buckets, key)
		}
	}
}

// RemoveTerm drops every bucket belonging to the term (term cascade).
func (ix *ConflictIndex) RemoveTerm(termID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key := range ix.buckets {
		if key.TermID == termID {
			delete(ix.buckets, key)
		}
	}
}

// Rebuild replaces the index contents with a projection of the given periods.
// Every period contributes one teacher entry and one entry per class section.
func (ix *ConflictIndex) Rebuild(periods []models.Period) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buckets = make(map[indexBucket][]BookedSlot)
	for _, period := range periods {
		slot := period.Slot()
		ix.insertLocked(models.DimensionTeacher, period.TeacherID, period.TermID, slot, period.ID)
		for _, sectionID := range period.ClassSectionIDs {
			ix.insertLocked(models.DimensionClass, sectionID, period.TermID, slot, period.ID)
		}
	}
}

// Len reports the total number of entries, for tests and diagnostics.
func (ix *ConflictIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	total := 0
	for _, bucket := range ix.buckets {
		total += len(bucket)
	}
	return total
}

func withoutPeriod(bucket []BookedSlot, periodID string) []BookedSlot {
	kept := bucket[:0]
	for _, booked := range bucket {
		if booked.PeriodID != periodID {
			kept = append(kept, booked)
		}
	}
	return kept
}
