package metrics

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveStoreOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveStoreOperation(BackendRemote, "get", StoreResultOK)
	rec.ObserveStoreOperation(BackendLocal, "get", StoreResultMiss)
	rec.ObserveStoreOperation(BackendLocal, "get", StoreResultMiss)
	rec.ObserveFallback("get")

	families := gather(t, rec, "fallbackkv_store_operations_total", "fallbackkv_store_fallbacks_total")

	remote := findMetric(t, families["fallbackkv_store_operations_total"], map[string]string{
		"backend":   "remote",
		"operation": "get",
		"result":    "ok",
	})
	if got := remote.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected remote counter 1, got %v", got)
	}

	local := findMetric(t, families["fallbackkv_store_operations_total"], map[string]string{
		"backend":   "local",
		"operation": "get",
		"result":    "miss",
	})
	if got := local.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected local counter 2, got %v", got)
	}

	fallback := findMetric(t, families["fallbackkv_store_fallbacks_total"], map[string]string{"operation": "get"})
	if got := fallback.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected fallback counter 1, got %v", got)
	}
}

func TestRecorderRemoteAvailableGauge(t *testing.T) {
	rec := NewRecorder(nil)
	rec.SetRemoteAvailable(true)

	families := gather(t, rec, "fallbackkv_store_remote_available")
	if got := families["fallbackkv_store_remote_available"][0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected gauge 1, got %v", got)
	}

	rec.SetRemoteAvailable(false)
	families = gather(t, rec, "fallbackkv_store_remote_available")
	if got := families["fallbackkv_store_remote_available"][0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected gauge 0, got %v", got)
	}
}

func TestRecorderCacheAndRateLimit(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup(CacheLookupHit)
	rec.ObserveCacheLookup("")
	rec.ObserveCacheEvictions(3)
	rec.ObserveCacheEvictions(0)
	rec.ObserveRateLimit(RateLimitBlocked)

	families := gather(t, rec,
		"fallbackkv_responsecache_lookups_total",
		"fallbackkv_responsecache_evictions_total",
		"fallbackkv_ratelimit_decisions_total",
	)

	hit := findMetric(t, families["fallbackkv_responsecache_lookups_total"], map[string]string{"result": "hit"})
	if got := hit.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected hit counter 1, got %v", got)
	}
	miss := findMetric(t, families["fallbackkv_responsecache_lookups_total"], map[string]string{"result": "miss"})
	if got := miss.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected empty outcome to count as miss, got %v", got)
	}
	if got := families["fallbackkv_responsecache_evictions_total"][0].GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected 3 evictions, got %v", got)
	}
	blocked := findMetric(t, families["fallbackkv_ratelimit_decisions_total"], map[string]string{"outcome": "blocked"})
	if got := blocked.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected blocked counter 1, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveStoreOperation(BackendLocal, "set", StoreResultOK)
	rec.ObserveFallback("set")
	rec.SetRemoteAvailable(true)
	rec.ObserveCacheLookup(CacheLookupHit)
	rec.ObserveCacheEvictions(1)
	rec.ObserveRateLimit(RateLimitAllowed)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
