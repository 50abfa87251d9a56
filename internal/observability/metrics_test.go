package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promAdmitted)
		assert.NotNil(t, m.promBlacklisted)
		assert.NotNil(t, m.PromRequestDuration)
		assert.NotNil(t, m.PromBlacklistSize)
	})
}

func TestMetricsAdmissionCounters(t *testing.T) {
	t.Run("increments admitted counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncAdmitted()
		m.IncAdmitted()
		m.IncAdmitted()

		snap := m.Snapshot()
		assert.Equal(t, int64(3), snap.Admitted)
	})

	t.Run("increments rejection counters independently", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncBlacklisted()
		m.IncRateLimited()
		m.IncRateLimited()
		m.IncKeyMissing()
		m.IncKeyInvalid()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.Blacklisted)
		assert.Equal(t, int64(2), snap.RateLimited)
		assert.Equal(t, int64(1), snap.KeyMissing)
		assert.Equal(t, int64(1), snap.KeyInvalid)
		assert.Equal(t, int64(0), snap.Admitted)
	})

	t.Run("increments key injection counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncKeyInjected()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.KeyInjected)
	})
}

func TestMetricsErrorCounters(t *testing.T) {
	t.Run("increments limiter error counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncLimiterErrors()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.LimiterErrors)
	})

	t.Run("increments blocklist fetch error counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncFetchErrors()
		m.IncFetchErrors()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.FetchErrors)
	})

	t.Run("increments geo error counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncGeoErrors()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.GeoErrors)
	})
}

func TestMetricsAlertCounters(t *testing.T) {
	t.Run("tracks deliveries per outcome", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncAlertDelivered("activity")
		m.IncAlertDelivered("report")
		m.IncAlertFailed("activity")
		m.IncAlertsDropped()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.AlertsDelivered)
		assert.Equal(t, int64(1), snap.AlertsFailed)
		assert.Equal(t, int64(1), snap.AlertsDropped)
	})
}

func TestMetricsBlacklistSize(t *testing.T) {
	t.Run("gauge accepts updates", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.SetBlacklistSize(42)
		m.SetBlacklistSize(7)
	})
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncAdmitted()
		m.IncAdmitted()
		m.IncBlacklisted()
		m.IncRateLimited()
		m.IncKeyMissing()
		m.IncKeyInvalid()
		m.IncKeyInjected()
		m.IncLimiterErrors()
		m.IncFetchErrors()
		m.IncGeoErrors()
		m.IncAlertsDropped()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Admitted)
		assert.Equal(t, int64(1), snap.Blacklisted)
		assert.Equal(t, int64(1), snap.RateLimited)
		assert.Equal(t, int64(1), snap.KeyMissing)
		assert.Equal(t, int64(1), snap.KeyInvalid)
		assert.Equal(t, int64(1), snap.KeyInjected)
		assert.Equal(t, int64(1), snap.LimiterErrors)
		assert.Equal(t, int64(1), snap.FetchErrors)
		assert.Equal(t, int64(1), snap.GeoErrors)
		assert.Equal(t, int64(1), snap.AlertsDropped)
	})
}
