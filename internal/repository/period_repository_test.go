package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudesk/timetable-api/internal/models"
)

var periodTestColumns = []string{"id", "term_id", "subject_id", "teacher_id", "day_of_week", "start_minute", "end_minute", "created_at"}

func testPeriod() *models.Period {
	return &models.Period{
		TermID:          "term-1",
		SubjectID:       "sub-1",
		TeacherID:       "teach-1",
		DayOfWeek:       models.Monday,
		StartMinute:     480,
		EndMinute:       570,
		ClassSectionIDs: []string{"sec-1"},
	}
}

func TestPeriodRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPeriodRepository(db)

	mock.ExpectBegin()
	// one advisory lock per touched bucket: the teacher plus one section
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("p.teacher_id = \\$3").
		WithArgs("term-1", models.Monday, "teach-1", 570, 480).
		WillReturnRows(sqlmock.NewRows(periodTestColumns))
	mock.ExpectQuery("pcs.class_section_id = \\$3").
		WithArgs("term-1", models.Monday, "sec-1", 570, 480).
		WillReturnRows(sqlmock.NewRows(periodTestColumns))
	mock.ExpectExec("INSERT INTO periods").
		WithArgs(sqlmock.AnyArg(), "term-1", "sub-1", "teach-1", models.Monday, 480, 570, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO period_class_sections").
		WithArgs(sqlmock.AnyArg(), "sec-1", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	period := testPeriod()
	conflict, err := repo.Create(context.Background(), period)
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.NotEmpty(t, period.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeriodRepositoryCreateTeacherConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPeriodRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("p.teacher_id = \\$3").
		WithArgs("term-1", models.Monday, "teach-1", 570, 480).
		WillReturnRows(sqlmock.NewRows(periodTestColumns).
			AddRow("existing", "term-1", "sub-2", "teach-1", "MONDAY", 510, 600, time.Now()))
	mock.ExpectRollback()

	conflict, err := repo.Create(context.Background(), testPeriod())
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, models.DimensionTeacher, conflict.Dimension)
	assert.Equal(t, "existing", conflict.PeriodID)
	assert.Equal(t, "08:30", conflict.Start)
	assert.Equal(t, "10:00", conflict.End)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeriodRepositoryCreateClassConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPeriodRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("p.teacher_id = \\$3").
		WithArgs("term-1", models.Monday, "teach-1", 570, 480).
		WillReturnRows(sqlmock.NewRows(periodTestColumns))
	mock.ExpectQuery("pcs.class_section_id = \\$3").
		WithArgs("term-1", models.Monday, "sec-1", 570, 480).
		WillReturnRows(sqlmock.NewRows(periodTestColumns).
			AddRow("existing", "term-1", "sub-2", "teach-2", "MONDAY", 450, 510, time.Now()))
	mock.ExpectRollback()

	conflict, err := repo.Create(context.Background(), testPeriod())
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, models.DimensionClass, conflict.Dimension)
	assert.Equal(t, "sec-1", conflict.ClassSectionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeriodRepositoryCreateSerializationFailure(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPeriodRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("p.teacher_id = \\$3").
		WillReturnRows(sqlmock.NewRows(periodTestColumns))
	mock.ExpectQuery("pcs.class_section_id = \\$3").
		WillReturnRows(sqlmock.NewRows(periodTestColumns))
	mock.ExpectExec("INSERT INTO periods").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	conflict, err := repo.Create(context.Background(), testPeriod())
	assert.Nil(t, conflict)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSerialization))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeriodRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPeriodRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM periods WHERE id = $1")).
		WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 1))
	affected, err := repo.Delete(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, affected)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM periods WHERE id = $1")).
		WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))
	affected, err = repo.Delete(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeriodRepositoryListByClass(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPeriodRepository(db)

	mock.ExpectQuery("JOIN period_class_sections pcs").
		WithArgs("sec-1", "term-1").
		WillReturnRows(sqlmock.NewRows(periodTestColumns).
			AddRow("p1", "term-1", "sub-1", "teach-1", "MONDAY", 480, 570, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT period_id, class_section_id FROM period_class_sections")).
		WithArgs(pq.Array([]string{"p1"})).
		WillReturnRows(sqlmock.NewRows([]string{"period_id", "class_section_id"}).
			AddRow("p1", "sec-1").
			AddRow("p1", "sec-2"))

	periods, err := repo.ListByClass(context.Background(), "sec-1", "term-1")
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, []string{"sec-1", "sec-2"}, periods[0].ClassSectionIDs)
	assert.True(t, periods[0].IsCombined())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeriodRepositoryListSectionFilter(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPeriodRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("EXISTS (SELECT 1 FROM period_class_sections pcs WHERE pcs.period_id = p.id AND pcs.class_section_id = $2)")).
		WithArgs("term-1", "sec-1").
		WillReturnRows(sqlmock.NewRows(periodTestColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs("term-1", "sec-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	periods, total, err := repo.List(context.Background(), models.PeriodFilter{TermID: "term-1", ClassSectionID: "sec-1"})
	require.NoError(t, err)
	assert.Empty(t, periods)
	assert.Equal(t, 0, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
