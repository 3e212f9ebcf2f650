package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areawatch/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "areawatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEpisodeLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	id := uuid.New()
	entered := time.Now().Truncate(time.Second)

	require.NoError(t, s.OpenEpisode(id, entered, 1234.5))

	rec, err := s.GetEpisode(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
	assert.Nil(t, rec.ExitedAt, "episode is open")
	assert.InDelta(t, 1234.5, rec.PeakSmoothed, 1e-9)

	require.NoError(t, s.AttachReport(id, "/reports/ng_x.pdf"))
	require.NoError(t, s.CloseEpisode(id, entered.Add(30*time.Second)))

	rec, err = s.GetEpisode(id)
	require.NoError(t, err)
	require.NotNil(t, rec.ExitedAt)
	assert.Equal(t, "/reports/ng_x.pdf", rec.ReportPath)
}

func TestCloseUnknownEpisode(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.CloseEpisode(uuid.New(), time.Now())
	require.Error(t, err)
}

func TestUpdatePeakOnlyRaises(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	id := uuid.New()
	require.NoError(t, s.OpenEpisode(id, time.Now(), 100))

	require.NoError(t, s.UpdatePeak(id, 250))
	require.NoError(t, s.UpdatePeak(id, 50)) // lower, must not overwrite

	rec, err := s.GetEpisode(id)
	require.NoError(t, err)
	assert.InDelta(t, 250, rec.PeakSmoothed, 1e-9)
}

func TestListEpisodesNewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, s.OpenEpisode(id, base.Add(time.Duration(i)*time.Minute), float64(i)))
	}

	episodes, err := s.ListEpisodes(nil, 0)
	require.NoError(t, err)
	require.Len(t, episodes, 3)
	assert.Equal(t, ids[2], episodes[0].ID)
	assert.Equal(t, ids[0], episodes[2].ID)

	since := base.Add(90 * time.Second)
	filtered, err := s.ListEpisodes(&since, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, ids[2], filtered[0].ID)

	limited, err := s.ListEpisodes(nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestOperatorAccount(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	rec, err := s.GetOperator("operator")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.SaveOperator("operator", "hash-v1"))
	require.NoError(t, s.SaveOperator("operator", "hash-v2")) // upsert

	rec, err = s.GetOperator("operator")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hash-v2", rec.PasswordHash)
}

func TestParamsRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	_, ok, err := s.LoadParams()
	require.NoError(t, err)
	assert.False(t, ok, "nothing saved yet")

	params := pipeline.DefaultParameters()
	params.SMAWindow = 12
	params.NGThreshold = 50000
	params.Comparison = pipeline.CompareBelow
	require.NoError(t, s.SaveParams(params))

	loaded, ok, err := s.LoadParams()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, loaded.SMAWindow)
	assert.InDelta(t, 50000, loaded.NGThreshold, 1e-9)
	assert.Equal(t, pipeline.CompareBelow, loaded.Comparison)
}
