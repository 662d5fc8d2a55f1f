package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionLifecycleMetrics(t *testing.T) {
	started := testutil.ToFloat64(SessionsStarted)
	active := testutil.ToFloat64(ActiveSessions)
	ended := testutil.ToFloat64(SessionsEnded.WithLabelValues("timeout"))

	RecordSessionStarted()
	assert.Equal(t, started+1, testutil.ToFloat64(SessionsStarted))
	assert.Equal(t, active+1, testutil.ToFloat64(ActiveSessions))

	RecordSessionEnded("timeout")
	assert.Equal(t, ended+1, testutil.ToFloat64(SessionsEnded.WithLabelValues("timeout")))
	assert.Equal(t, active, testutil.ToFloat64(ActiveSessions))
}

func TestRecordBackendCallCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(BackendErrors)

	RecordBackendCall(time.Second, nil)
	assert.Equal(t, before, testutil.ToFloat64(BackendErrors))

	RecordBackendCall(time.Second, errors.New("unavailable"))
	assert.Equal(t, before+1, testutil.ToFloat64(BackendErrors))
}

func TestRecordPersistenceError(t *testing.T) {
	before := testutil.ToFloat64(PersistenceErrors.WithLabelValues("message_add"))
	RecordPersistenceError("message_add")
	assert.Equal(t, before+1, testutil.ToFloat64(PersistenceErrors.WithLabelValues("message_add")))
}
