package billing

import (
	"testing"

	"github.com/anycrawl/anycrawl/internal/model"
)

func TestNormalizeDetailsDropsNonPositiveItems(t *testing.T) {
	in := model.ChargeDetails{Items: []model.ChargeItem{
		{Code: "base_scrape", Credits: 1},
		{Code: "zero_item", Credits: 0},
		{Code: "negative_item", Credits: -1},
	}}
	out := normalizeDetails(in, 1, "api_request_finalize")
	if len(out.Items) != 1 || out.Items[0].Code != "base_scrape" {
		t.Fatalf("normalizeDetails kept non-positive items: %+v", out.Items)
	}
	if out.Total != 1 {
		t.Fatalf("normalizeDetails.Total = %v, want 1", out.Total)
	}
}

func TestNormalizeDetailsMismatchFallsBackToUnattributed(t *testing.T) {
	in := model.ChargeDetails{Items: []model.ChargeItem{
		{Code: "base_scrape", Credits: 1},
		{Code: "proxy_stealth", Credits: 1},
	}}
	// committed=3 but items sum to 2: mismatch must fall back.
	out := normalizeDetails(in, 3, "api_request_finalize")
	if len(out.Items) != 1 || out.Items[0].Code != "unattributed_adjustment" {
		t.Fatalf("normalizeDetails should fall back to unattributed_adjustment on mismatch, got %+v", out.Items)
	}
	if out.Items[0].Credits != 3 {
		t.Fatalf("unattributed_adjustment.Credits = %v, want committed total 3", out.Items[0].Credits)
	}
	if out.Items[0].Meta["source_total"] != float64(2) {
		t.Fatalf("unattributed_adjustment.Meta.source_total = %v, want 2", out.Items[0].Meta["source_total"])
	}
	if out.Items[0].Meta["reason"] != "api_request_finalize" {
		t.Fatalf("unattributed_adjustment.Meta.reason = %v, want api_request_finalize", out.Items[0].Meta["reason"])
	}
}

func TestNormalizeDetailsMatchingItemsKept(t *testing.T) {
	// Scenario 4: stealth proxy, charged=3, items [base_scrape:1, proxy_stealth:2].
	in := model.ChargeDetails{Items: []model.ChargeItem{
		{Code: "base_scrape", Credits: 1},
		{Code: "proxy_stealth", Credits: 2},
	}}
	out := normalizeDetails(in, 3, "api_request_finalize")
	if len(out.Items) != 2 {
		t.Fatalf("normalizeDetails should keep matching items as-is, got %+v", out.Items)
	}
	if out.Total != 3 {
		t.Fatalf("normalizeDetails.Total = %v, want 3", out.Total)
	}
}

func TestNormalizeDetailsDefaultsVersionToOne(t *testing.T) {
	out := normalizeDetails(model.ChargeDetails{}, 1, "reason")
	if out.Version != 1 {
		t.Fatalf("normalizeDetails.Version = %d, want default 1", out.Version)
	}
}

func TestNormalizeDetailsEmptyItemsBecomeUnattributed(t *testing.T) {
	out := normalizeDetails(model.ChargeDetails{}, 1, "api_crawl_initial")
	if len(out.Items) != 1 || out.Items[0].Code != "unattributed_adjustment" {
		t.Fatalf("normalizeDetails with no items should synthesize unattributed_adjustment, got %+v", out.Items)
	}
}
