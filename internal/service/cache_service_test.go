package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edudesk/timetable-api/internal/models"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
)

// memCacheRepo stores marshalled payloads in memory, mirroring the Redis
// repository's contract: misses surface as ErrCacheMiss and patterns delete
// by prefix.
type memCacheRepo struct {
	mu       sync.Mutex
	entries  map[string][]byte
	patterns []string
}

func newMemCacheRepo() *memCacheRepo {
	return &memCacheRepo{entries: map[string][]byte{}}
}

func (m *memCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = raw
	return nil
}

func (m *memCacheRepo) DeleteByPattern(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, pattern)
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *memCacheRepo) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for key := range m.entries {
		out = append(out, key)
	}
	return out
}

func newTestCache(repo *memCacheRepo) *CacheService {
	return NewCacheService(repo, nil, time.Minute, zap.NewNop(), true)
}

func TestCacheServiceGetSetMiss(t *testing.T) {
	repo := newMemCacheRepo()
	cache := newTestCache(repo)

	var out []string
	hit, err := cache.Get(context.Background(), "k1", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Set(context.Background(), "k1", []string{"a", "b"}, 0))
	hit, err = cache.Get(context.Background(), "k1", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"a", "b"}, out)

	require.NoError(t, cache.Invalidate(context.Background(), "k*"))
	hit, err = cache.Get(context.Background(), "k1", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheServiceDisabledIsNoop(t *testing.T) {
	repo := newMemCacheRepo()
	cache := NewCacheService(repo, nil, time.Minute, zap.NewNop(), false)

	require.NoError(t, cache.Set(context.Background(), "k1", "v", 0))
	var out string
	hit, err := cache.Get(context.Background(), "k1", &out)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Empty(t, repo.keys())
}

func TestTimetableByClassServedFromCache(t *testing.T) {
	cacheRepo := newMemCacheRepo()
	repo := &memTimetableRepo{periods: gridPeriods()}
	svc := NewTimetableQueryService(
		repo,
		&memSectionLookup{sections: map[string]models.ClassSection{"sec-1": {ID: "sec-1", Name: "7-A"}}},
		&memTeachers{teachers: map[string]models.Teacher{"teach-1": {ID: "teach-1", Active: true}}},
		&memTerms{terms: map[string]models.Term{"term-1": {ID: "term-1"}}},
		newTestCache(cacheRepo),
		zap.NewNop(),
	)

	first, err := svc.ByClass(context.Background(), "sec-1", "term-1")
	require.NoError(t, err)
	require.Len(t, repo.byClass, 1)
	assert.Contains(t, cacheRepo.keys(), "timetable:term-1:class:sec-1")

	second, err := svc.ByClass(context.Background(), "sec-1", "term-1")
	require.NoError(t, err)
	assert.Len(t, repo.byClass, 1)
	assert.Equal(t, first, second)
}

func TestPeriodCreateAndDeleteEvictTermCache(t *testing.T) {
	cacheRepo := newMemCacheRepo()
	defaultTeacher := "teach-1"
	repo := newMemPeriodRepo()
	svc := NewPeriodService(
		repo,
		&memSubjects{subjects: map[string]models.Subject{"sub-1": {ID: "sub-1", Name: "Mathematics", DefaultTeacherID: &defaultTeacher}}},
		&memTeachers{teachers: map[string]models.Teacher{"teach-1": {ID: "teach-1", FullName: "Teacher One", Active: true}}},
		&memSections{known: map[string]bool{"sec-1": true}},
		&memTerms{terms: map[string]models.Term{"term-1": {ID: "term-1"}, "term-2": {ID: "term-2"}}},
		NewConflictIndex(),
		newTestCache(cacheRepo),
		nil,
		nil,
		zap.NewNop(),
		2,
	)

	seed := func() {
		require.NoError(t, cacheRepo.Set(context.Background(), "timetable:term-1:class:sec-1", []string{"stale"}, 0))
		require.NoError(t, cacheRepo.Set(context.Background(), "timetable:term-1:term", []string{"stale"}, 0))
		require.NoError(t, cacheRepo.Set(context.Background(), "timetable:term-2:term", []string{"other"}, 0))
	}

	seed()
	created, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"timetable:term-2:term"}, cacheRepo.keys())

	seed()
	require.NoError(t, svc.Delete(context.Background(), created.ID))
	assert.Equal(t, []string{"timetable:term-2:term"}, cacheRepo.keys())
}
