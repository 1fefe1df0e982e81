package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/edudesk/timetable-api/internal/models"
)

// ErrSerialization marks transient transaction failures (serialization or
// deadlock) that callers may retry.
var ErrSerialization = errors.New("transaction serialization failure")

const periodColumns = "p.id, p.term_id, p.subject_id, p.teacher_id, p.day_of_week, p.start_minute, p.end_minute, p.created_at"

// PeriodRepository provides persistence for timetable periods and their
// class-section links.
type PeriodRepository struct {
	db *sqlx.DB
}

// NewPeriodRepository creates a new period repository.
func NewPeriodRepository(db *sqlx.DB) *PeriodRepository {
	return &PeriodRepository{db: db}
}

// Create persists the period and one join row per class section in a single
// transaction. Every touched resource bucket (teacher and each section, per
// term and day) is locked with pg_advisory_xact_lock before overlap is
// re-checked with SQL, so two concurrent creates for the same bucket cannot
// both pass the check. A non-nil conflict return means the period was not
// created because another booking occupies the slot.
func (r *PeriodRepository) Create(ctx context.Context, period *models.Period) (*models.PeriodConflict, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create period: %w", translateErr(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockBuckets(ctx, tx, period); err != nil {
		return nil, err
	}

	var conflict *models.PeriodConflict
	if conflict, err = r.findOverlap(ctx, tx, period); err != nil {
		return nil, err
	}
	if conflict != nil {
		err = tx.Rollback()
		return conflict, nil
	}

	if period.ID == "" {
		period.ID = uuid.NewString()
	}
	if period.CreatedAt.IsZero() {
		period.CreatedAt = time.Now().UTC()
	}

	const insertPeriod = `INSERT INTO periods (id, term_id, subject_id, teacher_id, day_of_week, start_minute, end_minute, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err = tx.ExecContext(ctx, insertPeriod,
		period.ID, period.TermID, period.SubjectID, period.TeacherID,
		period.DayOfWeek, period.StartMinute, period.EndMinute, period.CreatedAt,
	); err != nil {
		err = fmt.Errorf("insert period: %w", translateErr(err))
		return nil, err
	}

	const insertLink = `INSERT INTO period_class_sections (period_id, class_section_id, position) VALUES ($1, $2, $3)`
	for i, sectionID := range period.ClassSectionIDs {
		if _, err = tx.ExecContext(ctx, insertLink, period.ID, sectionID, i); err != nil {
			err = fmt.Errorf("insert period section link: %w", translateErr(err))
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit create period: %w", translateErr(err))
		return nil, err
	}
	return nil, nil
}

// lockBuckets acquires advisory transaction locks for every resource bucket
// the period touches, in sorted key order to keep lock acquisition
// deadlock-free across concurrent creates.
func lockBuckets(ctx context.Context, tx *sqlx.Tx, period *models.Period) error {
	keys := make([]string, 0, len(period.ClassSectionIDs)+1)
	keys = append(keys, bucketKey(models.DimensionTeacher, period.TeacherID, period.TermID, period.DayOfWeek))
	for _, sectionID := range period.ClassSectionIDs {
		keys = append(keys, bucketKey(models.DimensionClass, sectionID, period.TermID, period.DayOfWeek))
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, hashKey(key)); err != nil {
			return fmt.Errorf("lock bucket %s: %w", key, translateErr(err))
		}
	}
	return nil
}

func bucketKey(kind models.ConflictDimension, resourceID, termID string, day models.DayOfWeek) string {
	return strings.Join([]string{string(kind), resourceID, termID, string(day)}, ":")
}

func hashKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// findOverlap re-checks the teacher bucket and then each class-section bucket
// in request order, returning the first colliding booking.
func (r *PeriodRepository) findOverlap(ctx context.Context, tx *sqlx.Tx, period *models.Period) (*models.PeriodConflict, error) {
	teacherQuery := fmt.Sprintf(`SELECT %s FROM periods p
		WHERE p.term_id = $1 AND p.day_of_week = $2 AND p.teacher_id = $3 AND p.start_minute < $4 AND $5 < p.end_minute
		ORDER BY p.start_minute ASC LIMIT 1`, periodColumns)

	var existing models.Period
	err := tx.GetContext(ctx, &existing, teacherQuery,
		period.TermID, period.DayOfWeek, period.TeacherID, period.EndMinute, period.StartMinute)
	switch {
	case err == nil:
		return conflictOf(existing, models.DimensionTeacher, ""), nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check teacher overlap: %w", translateErr(err))
	}

	sectionQuery := fmt.Sprintf(`SELECT %s FROM periods p
		JOIN period_class_sections pcs ON pcs.period_id = p.id
		WHERE p.term_id = $1 AND p.day_of_week = $2 AND pcs.class_section_id = $3 AND p.start_minute < $4 AND $5 < p.end_minute
		ORDER BY p.start_minute ASC LIMIT 1`, periodColumns)

	for _, sectionID := range period.ClassSectionIDs {
		err := tx.GetContext(ctx, &existing, sectionQuery,
			period.TermID, period.DayOfWeek, sectionID, period.EndMinute, period.StartMinute)
		switch {
		case err == nil:
			return conflictOf(existing, models.DimensionClass, sectionID), nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("check class overlap: %w", translateErr(err))
		}
	}
	return nil, nil
}

func conflictOf(existing models.Period, dimension models.ConflictDimension, sectionID string) *models.PeriodConflict {
	return &models.PeriodConflict{
		PeriodID:       existing.ID,
		TermID:         existing.TermID,
		SubjectID:      existing.SubjectID,
		TeacherID:      existing.TeacherID,
		DayOfWeek:      existing.DayOfWeek,
		Start:          existing.Slot().StartClock(),
		End:            existing.Slot().EndClock(),
		Dimension:      dimension,
		ClassSectionID: sectionID,
	}
}

// FindByID loads a period with its linked class sections.
func (r *PeriodRepository) FindByID(ctx context.Context, id string) (*models.Period, error) {
	query := fmt.Sprintf(`SELECT %s FROM periods p WHERE p.id = $1`, periodColumns)
	var period models.Period
	if err := r.db.GetContext(ctx, &period, query, id); err != nil {
		return nil, err
	}
	sections, err := r.sectionsFor(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	period.ClassSectionIDs = sections[id]
	return &period, nil
}

// Delete removes a period and, via FK cascade, its section links. Returns
// whether a row was actually removed.
func (r *PeriodRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM periods WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete period: %w", translateErr(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete period rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns periods with optional filtering and pagination.
func (r *PeriodRepository) List(ctx context.Context, filter models.PeriodFilter) ([]models.Period, int, error) {
	base := "FROM periods p WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("p.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("p.teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("p.subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.DayOfWeek != "" {
		conditions = append(conditions, fmt.Sprintf("p.day_of_week = $%d", len(args)+1))
		args = append(args, strings.ToUpper(filter.DayOfWeek))
	}
	if filter.ClassSectionID != "" {
		conditions = append(conditions, fmt.Sprintf("EXISTS (SELECT 1 FROM period_class_sections pcs WHERE pcs.period_id = p.id AND pcs.class_section_id = $%d)", len(args)+1))
		args = append(args, filter.ClassSectionID)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]string{
		"day_of_week":  "p.day_of_week",
		"start_minute": "p.start_minute",
		"created_at":   "p.created_at",
	}
	column, ok := allowedSorts[sortBy]
	if !ok {
		column = "p.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s, p.start_minute ASC LIMIT %d OFFSET %d", periodColumns, base, column, order, size, offset)
	var periods []models.Period
	if err := r.db.SelectContext(ctx, &periods, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list periods: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count periods: %w", err)
	}

	if err := r.attachSections(ctx, periods); err != nil {
		return nil, 0, err
	}
	return periods, total, nil
}

// ListByClass returns a class section's periods in a term ordered by start.
func (r *PeriodRepository) ListByClass(ctx context.Context, classSectionID, termID string) ([]models.Period, error) {
	query := fmt.Sprintf(`SELECT %s FROM periods p
		JOIN period_class_sections pcs ON pcs.period_id = p.id
		WHERE pcs.class_section_id = $1 AND p.term_id = $2
		ORDER BY p.start_minute ASC`, periodColumns)
	var periods []models.Period
	if err := r.db.SelectContext(ctx, &periods, query, classSectionID, termID); err != nil {
		return nil, fmt.Errorf("list periods by class: %w", err)
	}
	if err := r.attachSections(ctx, periods); err != nil {
		return nil, err
	}
	return periods, nil
}

// ListByTeacher returns a teacher's periods in a term ordered by start.
func (r *PeriodRepository) ListByTeacher(ctx context.Context, teacherID, termID string) ([]models.Period, error) {
	query := fmt.Sprintf(`SELECT %s FROM periods p
		WHERE p.teacher_id = $1 AND p.term_id = $2
		ORDER BY p.start_minute ASC`, periodColumns)
	var periods []models.Period
	if err := r.db.SelectContext(ctx, &periods, query, teacherID, termID); err != nil {
		return nil, fmt.Errorf("list periods by teacher: %w", err)
	}
	if err := r.attachSections(ctx, periods); err != nil {
		return nil, err
	}
	return periods, nil
}

// ListByTerm returns every period in a term for the full grid view, ordered by
// day then start.
func (r *PeriodRepository) ListByTerm(ctx context.Context, termID string) ([]models.Period, error) {
	query := fmt.Sprintf(`SELECT %s FROM periods p
		WHERE p.term_id = $1
		ORDER BY p.day_of_week ASC, p.start_minute ASC`, periodColumns)
	var periods []models.Period
	if err := r.db.SelectContext(ctx, &periods, query, termID); err != nil {
		return nil, fmt.Errorf("list periods by term: %w", err)
	}
	if err := r.attachSections(ctx, periods); err != nil {
		return nil, err
	}
	return periods, nil
}

// ListAll returns every period with sections. Used to warm the conflict index
// at startup.
func (r *PeriodRepository) ListAll(ctx context.Context) ([]models.Period, error) {
	query := fmt.Sprintf(`SELECT %s FROM periods p ORDER BY p.created_at ASC`, periodColumns)
	var periods []models.Period
	if err := r.db.SelectContext(ctx, &periods, query); err != nil {
		return nil, fmt.Errorf("list all periods: %w", err)
	}
	if err := r.attachSections(ctx, periods); err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *PeriodRepository) attachSections(ctx context.Context, periods []models.Period) error {
	if len(periods) == 0 {
		return nil
	}
	ids := make([]string, len(periods))
	for i := range periods {
		ids[i] = periods[i].ID
	}
	sections, err := r.sectionsFor(ctx, ids)
	if err != nil {
		return err
	}
	for i := range periods {
		periods[i].ClassSectionIDs = sections[periods[i].ID]
	}
	return nil
}

func (r *PeriodRepository) sectionsFor(ctx context.Context, periodIDs []string) (map[string][]string, error) {
	const query = `SELECT period_id, class_section_id FROM period_class_sections WHERE period_id = ANY($1) ORDER BY period_id, position ASC`
	rows, err := r.db.QueryxContext(ctx, query, pq.Array(periodIDs))
	if err != nil {
		return nil, fmt.Errorf("load period sections: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	sections := make(map[string][]string, len(periodIDs))
	for rows.Next() {
		var periodID, sectionID string
		if err := rows.Scan(&periodID, &sectionID); err != nil {
			return nil, fmt.Errorf("scan period section: %w", err)
		}
		sections[periodID] = append(sections[periodID], sectionID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate period sections: %w", err)
	}
	return sections, nil
}

// translateErr maps PostgreSQL serialization and deadlock failures onto
// ErrSerialization so the scheduler can retry them.
func translateErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "40001" || pqErr.Code == "40P01" {
			return fmt.Errorf("%v: %w", pqErr.Message, ErrSerialization)
		}
	}
	return err
}
