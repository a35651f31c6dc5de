package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/gatekeeper/internal/events"
)

func TestSetCurrentChanges(t *testing.T) {
	s := New()
	s.SetCurrentChanges("example", "gate", 3)
	s.SetCurrentChanges("example", "gate", 2)
	s.SetCurrentChanges("example", "check", 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.CurrentChanges.WithLabelValues("example", "gate")))
	assert.Equal(t, 5.0, testutil.ToFloat64(s.CurrentChanges.WithLabelValues("example", "check")))
}

func TestObserveResidentTime(t *testing.T) {
	s := New()
	s.ObserveResidentTime("example", "gate", "org/a", "main", 90*time.Second)
	s.ObserveResidentTime("example", "gate", "org/a", "main", 30*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.TotalChanges.WithLabelValues("example", "gate", "org/a", "main")))
	assert.Equal(t, 1, testutil.CollectAndCount(s.ResidentTime))
}

func TestObserveEnqueue(t *testing.T) {
	s := New()
	s.ObserveEnqueue("example", 10*time.Millisecond, 2*time.Second)

	assert.Equal(t, 1, testutil.CollectAndCount(s.EventProcessing))
	assert.Equal(t, 1, testutil.CollectAndCount(s.EventElapsed))
}

func TestAttachCountsItemEvents(t *testing.T) {
	s := New()
	bus := events.NewBus(10)
	detach := s.Attach(bus)

	bus.Publish(events.EventItemEnqueued, map[string]any{"pipeline": "gate"})
	bus.Publish(events.EventItemReported, map[string]any{"pipeline": "gate"})
	bus.Publish(events.EventItemReported, map[string]any{"pipeline": "gate"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.ItemEvents.WithLabelValues(string(events.EventItemReported))) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.ItemEvents.WithLabelValues(string(events.EventItemEnqueued))))

	detach()
	bus.Close()
}

func TestHandlerServesRegistry(t *testing.T) {
	s := New()
	s.SetCurrentChanges("example", "gate", 4)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `gatekeeper_current_changes{pipeline="gate",tenant="example"} 4`))
}
