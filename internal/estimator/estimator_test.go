package estimator

import "testing"

func TestEstimateCrawl(t *testing.T) {
	w := DefaultWeights()
	if got := w.EstimateCrawl(3); got != 3 {
		t.Fatalf("EstimateCrawl(3) = %v, want 3 (template=0 + per_page=1 * 3)", got)
	}
	if got := w.EstimateCrawl(1); got != 1 {
		t.Fatalf("EstimateCrawl(1) = %v, want 1", got)
	}
}

func TestEstimateSearch(t *testing.T) {
	w := DefaultWeights()
	if got := w.EstimateSearch(2, false, 5); got != 2 {
		t.Fatalf("EstimateSearch(2, false, 5) = %v, want 2 (template=0 + pages=2)", got)
	}
	if got := w.EstimateSearch(2, true, 5); got != 7 {
		t.Fatalf("EstimateSearch(2, true, 5) = %v, want 7 (2 pages + 5 per-scrape)", got)
	}
}

func TestEstimateMap(t *testing.T) {
	w := DefaultWeights()
	if got := w.EstimateMap(); got != 1 {
		t.Fatalf("EstimateMap() = %v, want 1 (base=1 + template=0)", got)
	}
}

func TestBuildCrawlPageChargeDetails(t *testing.T) {
	w := DefaultWeights()
	d := w.BuildCrawlPageChargeDetails(ScrapeRequest{})
	if d.Calculator != "crawl_page_v1" {
		t.Fatalf("Calculator = %q, want crawl_page_v1", d.Calculator)
	}
	if d.Total != w.BaseScrape {
		t.Fatalf("Total = %v, want %v", d.Total, w.BaseScrape)
	}
}

func TestBuildSearchChargeDetails(t *testing.T) {
	w := DefaultWeights()
	d := w.BuildSearchChargeDetails(3, 2)
	want := float64(3) + w.SearchPerScrape*2
	if d.Total != want {
		t.Fatalf("Total = %v, want %v", d.Total, want)
	}
	if len(d.Items) != 2 {
		t.Fatalf("expected 2 items (search_pages, search_result_scrape), got %d", len(d.Items))
	}
}

func TestBuildMapChargeDetails(t *testing.T) {
	w := DefaultWeights()
	d := w.BuildMapChargeDetails(false)
	if len(d.Items) != 1 {
		t.Fatalf("expected 1 item (map_base) when no template used, got %d", len(d.Items))
	}

	w.MapTemplate = 1
	d = w.BuildMapChargeDetails(true)
	if len(d.Items) != 2 {
		t.Fatalf("expected 2 items (map_base, map_template) when template used, got %d", len(d.Items))
	}
	if d.Total != w.MapBase+w.MapTemplate {
		t.Fatalf("Total = %v, want %v", d.Total, w.MapBase+w.MapTemplate)
	}
}
