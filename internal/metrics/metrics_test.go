package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.VersionPublished("manual")
	r.VersionPublished("manual")
	r.VersionPublished("proposal_merge")
	r.VersionConflict()
	r.AnalysisFallback("file")
	r.SyncFiles("updated", 3)
	r.SyncFiles("skipped", 0)
	r.Proposal("merged")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.versionsPublished.WithLabelValues("manual")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.versionsPublished.WithLabelValues("proposal_merge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.versionConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.analysisFallbacks.WithLabelValues("file")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.syncFiles.WithLabelValues("updated")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.syncFiles.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.proposals.WithLabelValues("merged")))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.VersionPublished("manual")
	r.VersionConflict()
	r.AnalysisFallback("file")
	r.SyncFiles("updated", 1)
	r.Proposal("open")
	assert.NotNil(t, r.Handler())
}

func TestHandlerExposesCounters(t *testing.T) {
	r := New()
	r.VersionConflict()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "playhub_version_conflicts_total 1"))
}
