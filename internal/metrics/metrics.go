package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and the job lifecycle.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	retentionJobsDeleted      = make(map[string]int64)
	retentionDocumentsDeleted int64

	searchRequestsTotal       = make(map[searchKey]int64)
	searchResultsTotal        = make(map[string]int64)
	searchScrapedResultsTotal = make(map[string]int64)

	cacheOutcomesTotal = make(map[cacheKey]int64)

	queueDepth = make(map[string]int64)

	webhookDeliveriesTotal = make(map[webhookKey]int64)

	reaperFinalizedTotal = make(map[string]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type searchKey struct {
	Provider string
	Scrape   string
}

type cacheKey struct {
	Operation string
	Outcome   string
}

type webhookKey struct {
	EventType string
	Outcome   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL for
// a given job type.
func RecordRetentionJobs(jobType string, deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted[jobType] += deleted
}

// RecordRetentionDocuments increments the counter of documents deleted
// by TTL cleanup.
func RecordRetentionDocuments(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionDocumentsDeleted += deleted
}

// RecordSearch records basic metrics for search requests, including
// whether scraping was requested and how many results/documents were
// returned.
func RecordSearch(provider string, withScrape bool, results int, scraped int) {
	mu.Lock()
	defer mu.Unlock()

	scrapeFlag := "false"
	if withScrape {
		scrapeFlag = "true"
	}

	key := searchKey{Provider: provider, Scrape: scrapeFlag}
	searchRequestsTotal[key]++

	if results > 0 {
		searchResultsTotal[provider] += int64(results)
	}
	if scraped > 0 {
		searchScrapedResultsTotal[provider] += int64(scraped)
	}
}

// RecordCacheLookup records a cache lookup outcome ("hit" or "miss") for
// a cache operation ("page" or "map").
func RecordCacheLookup(operation string, hit bool) {
	mu.Lock()
	defer mu.Unlock()

	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheOutcomesTotal[cacheKey{Operation: operation, Outcome: outcome}]++
}

// SetQueueDepth records the current depth of a named queue.
func SetQueueDepth(queueName string, depth int64) {
	mu.Lock()
	defer mu.Unlock()
	queueDepth[queueName] = depth
}

// RecordWebhookDelivery increments the delivery outcome counter for an
// event type ("delivered", "failed", "retrying").
func RecordWebhookDelivery(eventType, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	webhookDeliveriesTotal[webhookKey{EventType: eventType, Outcome: outcome}]++
}

// RecordReaperFinalized increments the counter of stale executions the
// reaper finalized for a given job type.
func RecordReaperFinalized(jobType string, count int64) {
	if count <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	reaperFinalizedTotal[jobType] += count
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP anycrawl_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE anycrawl_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "anycrawl_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP anycrawl_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE anycrawl_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP anycrawl_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE anycrawl_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "anycrawl_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, sum)
		fmt.Fprintf(&b, "anycrawl_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, cnt)
	}

	// Search metrics
	b.WriteString("# HELP anycrawl_search_requests_total Total search requests by provider and scrape mode\n")
	b.WriteString("# TYPE anycrawl_search_requests_total counter\n")

	var searchKeys []searchKey
	for k := range searchRequestsTotal {
		searchKeys = append(searchKeys, k)
	}
	sort.Slice(searchKeys, func(i, j int) bool {
		if searchKeys[i].Provider != searchKeys[j].Provider {
			return searchKeys[i].Provider < searchKeys[j].Provider
		}
		return searchKeys[i].Scrape < searchKeys[j].Scrape
	})

	for _, k := range searchKeys {
		v := searchRequestsTotal[k]
		fmt.Fprintf(&b, "anycrawl_search_requests_total{provider=\"%s\",scrape=\"%s\"} %d\n",
			k.Provider, k.Scrape, v)
	}

	b.WriteString("# HELP anycrawl_search_results_total Total search results returned by provider\n")
	b.WriteString("# TYPE anycrawl_search_results_total counter\n")

	var searchProviders []string
	for p := range searchResultsTotal {
		searchProviders = append(searchProviders, p)
	}
	sort.Strings(searchProviders)
	for _, p := range searchProviders {
		v := searchResultsTotal[p]
		fmt.Fprintf(&b, "anycrawl_search_results_total{provider=\"%s\"} %d\n", p, v)
	}

	b.WriteString("# HELP anycrawl_search_scraped_results_total Total search results with scraped documents\n")
	b.WriteString("# TYPE anycrawl_search_scraped_results_total counter\n")

	var scrapedProviders []string
	for p := range searchScrapedResultsTotal {
		scrapedProviders = append(scrapedProviders, p)
	}
	sort.Strings(scrapedProviders)
	for _, p := range scrapedProviders {
		v := searchScrapedResultsTotal[p]
		fmt.Fprintf(&b, "anycrawl_search_scraped_results_total{provider=\"%s\"} %d\n", p, v)
	}

	// Cache metrics
	b.WriteString("# HELP anycrawl_cache_lookups_total Total cache lookups by operation and outcome\n")
	b.WriteString("# TYPE anycrawl_cache_lookups_total counter\n")

	var cacheKeys []cacheKey
	for k := range cacheOutcomesTotal {
		cacheKeys = append(cacheKeys, k)
	}
	sort.Slice(cacheKeys, func(i, j int) bool {
		if cacheKeys[i].Operation != cacheKeys[j].Operation {
			return cacheKeys[i].Operation < cacheKeys[j].Operation
		}
		return cacheKeys[i].Outcome < cacheKeys[j].Outcome
	})
	for _, k := range cacheKeys {
		v := cacheOutcomesTotal[k]
		fmt.Fprintf(&b, "anycrawl_cache_lookups_total{operation=\"%s\",outcome=\"%s\"} %d\n",
			k.Operation, k.Outcome, v)
	}

	// Queue depth
	b.WriteString("# HELP anycrawl_queue_depth Current depth of a named queue\n")
	b.WriteString("# TYPE anycrawl_queue_depth gauge\n")

	var queueNames []string
	for q := range queueDepth {
		queueNames = append(queueNames, q)
	}
	sort.Strings(queueNames)
	for _, q := range queueNames {
		fmt.Fprintf(&b, "anycrawl_queue_depth{queue=\"%s\"} %d\n", q, queueDepth[q])
	}

	// Webhook delivery outcomes
	b.WriteString("# HELP anycrawl_webhook_deliveries_total Total webhook deliveries by event type and outcome\n")
	b.WriteString("# TYPE anycrawl_webhook_deliveries_total counter\n")

	var webhookKeys []webhookKey
	for k := range webhookDeliveriesTotal {
		webhookKeys = append(webhookKeys, k)
	}
	sort.Slice(webhookKeys, func(i, j int) bool {
		if webhookKeys[i].EventType != webhookKeys[j].EventType {
			return webhookKeys[i].EventType < webhookKeys[j].EventType
		}
		return webhookKeys[i].Outcome < webhookKeys[j].Outcome
	})
	for _, k := range webhookKeys {
		v := webhookDeliveriesTotal[k]
		fmt.Fprintf(&b, "anycrawl_webhook_deliveries_total{event_type=\"%s\",outcome=\"%s\"} %d\n",
			k.EventType, k.Outcome, v)
	}

	// Reaper metrics
	b.WriteString("# HELP anycrawl_reaper_finalized_total Total stale executions finalized by the reaper, by job type\n")
	b.WriteString("# TYPE anycrawl_reaper_finalized_total counter\n")

	var reaperTypes []string
	for t := range reaperFinalizedTotal {
		reaperTypes = append(reaperTypes, t)
	}
	sort.Strings(reaperTypes)
	for _, t := range reaperTypes {
		v := reaperFinalizedTotal[t]
		fmt.Fprintf(&b, "anycrawl_reaper_finalized_total{job_type=\"%s\"} %d\n", t, v)
	}

	// Retention metrics
	b.WriteString("# HELP anycrawl_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE anycrawl_retention_jobs_deleted_total counter\n")

	// Sort job types for stable output
	var jobTypes []string
	for t := range retentionJobsDeleted {
		jobTypes = append(jobTypes, t)
	}
	sort.Strings(jobTypes)
	for _, t := range jobTypes {
		v := retentionJobsDeleted[t]
		fmt.Fprintf(&b, "anycrawl_retention_jobs_deleted_total{job_type=\"%s\"} %d\n", t, v)
	}

	b.WriteString("# HELP anycrawl_retention_documents_deleted_total Total documents deleted by TTL\n")
	b.WriteString("# TYPE anycrawl_retention_documents_deleted_total counter\n")
	fmt.Fprintf(&b, "anycrawl_retention_documents_deleted_total %d\n", retentionDocumentsDeleted)

	return b.String()
}
