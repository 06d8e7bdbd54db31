package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetExposition(t *testing.T) {
	set := NewSet()
	set.IntentsAdmitted.Inc()
	set.BidsRejected.WithLabelValues("InvalidSignature").Inc()
	set.OpenAuctions.Set(3)
	set.BidAdmitLatency.Observe(0.002)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	set.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"intendly_intents_admitted_total 1",
		`intendly_bids_rejected_total{kind="InvalidSignature"} 1`,
		"intendly_open_auctions 3",
		"intendly_bid_admit_seconds_count 1",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
