package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Images.Aqar.fm/webp/300x0/props/1", "images.aqar.fm"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := pagesTotal
	Init()
	require.Same(t, first, pagesTotal)
	require.NotNil(t, imagesTotal)
	require.NotNil(t, analysesTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveHelpers(t *testing.T) {
	ObservePage("metrics_test_run", "success")
	ObservePage("metrics_test_run", "success")
	require.InDelta(t, 2, testutil.ToFloat64(pagesTotal.WithLabelValues("metrics_test_run", "success")), 0)

	ObserveListing("metrics_test_run", "no_image")
	require.InDelta(t, 1, testutil.ToFloat64(listingsTotal.WithLabelValues("metrics_test_run", "no_image")), 0)

	ObserveImage("metrics_test_run", "https://metrics-test.example/a.jpg", "success", 512)
	ObserveImage("metrics_test_run", "https://metrics-test.example/b.jpg", "failed", 0)
	require.InDelta(t, 1, testutil.ToFloat64(imagesTotal.WithLabelValues("metrics_test_run", "success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(imagesTotal.WithLabelValues("metrics_test_run", "failed")), 0)
	require.InDelta(t, 512, testutil.ToFloat64(imageBytesTotal.WithLabelValues("metrics-test.example")), 0)

	ObserveDuplicates("metrics_test_run", 0)
	ObserveDuplicates("metrics_test_run", 3)
	require.InDelta(t, 3, testutil.ToFloat64(duplicatesTotal.WithLabelValues("metrics_test_run")), 0)

	SetUniqueCount("metrics_test_run", 7)
	require.InDelta(t, 7, testutil.ToFloat64(uniqueCount.WithLabelValues("metrics_test_run")), 0)

	IncActiveAnalyses()
	before := testutil.ToFloat64(activeAnalyses)
	DecActiveAnalyses()
	require.InDelta(t, before-1, testutil.ToFloat64(activeAnalyses), 0)

	ObserveRateLimitDelay("metrics-test.example", 150*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://images.aqar.fm", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
