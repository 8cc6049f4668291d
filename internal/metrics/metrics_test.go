package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "refset", Kind(jobs.RefsetKey("r1")))
	assert.Equal(t, "batch", Kind(jobs.BatchKey("ed")))
	assert.Equal(t, "comparison", Kind(jobs.ComparisonKey("ed", "s")))
}

func TestObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	c := jobs.NewCoordinator(jobs.WithObserver[types.JobStatus](m))
	require.True(t, c.TryAcquire("r1"))
	require.False(t, c.TryAcquire("r1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.locksHeld))
	c.Release("r1")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.locksHeld))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockAcquired.WithLabelValues("refset")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockConflicts.WithLabelValues("refset")))

	m.Transition(types.ActionFinishEdit, types.StatusEditing, types.StatusReadyForPublication)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("FINISH_EDIT", "EDITING", "READY_FOR_PUBLICATION")))

	m.JobFinished("add_members", time.Millisecond, nil)
	m.JobFinished("add_members", time.Millisecond, errors.Join(types.ErrLocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("add_members", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("add_members", "locked")))
}

func TestHandlerServesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.QueueDepth(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "refsetlite_upgrade_queue_depth 3")
}
