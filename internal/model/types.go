package model

// Metadata is a trimmed version of Firecrawl's metadata block.
type Metadata struct {
	Title         string         `json:"title,omitempty"`
	Description   string         `json:"description,omitempty"`
	Language      string         `json:"language,omitempty"`
	Keywords      string         `json:"keywords,omitempty"`
	Robots        string         `json:"robots,omitempty"`
	OgTitle       string         `json:"ogTitle,omitempty"`
	OgDescription string         `json:"ogDescription,omitempty"`
	OgURL         string         `json:"ogUrl,omitempty"`
	OgImage       string         `json:"ogImage,omitempty"`
	OgLocaleAlt   []string       `json:"ogLocaleAlternate,omitempty"`
	OgSiteName    string         `json:"ogSiteName,omitempty"`
	SourceURL     string         `json:"sourceURL,omitempty"`
	StatusCode    int            `json:"statusCode"`
	Summary       string         `json:"summary,omitempty"`
	JSON          map[string]any `json:"json,omitempty"`
	Branding      map[string]any `json:"branding,omitempty"`
}

// LinkMetadata captures additional information about an outbound link.
type LinkMetadata struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
	Rel  string `json:"rel,omitempty"`
}

// Document is a reduced version of Firecrawl's Document type
// sufficient for scrape/map/crawl responses.
type Document struct {
	Markdown     string         `json:"markdown,omitempty"`
	HTML         string         `json:"html,omitempty"`
	RawHTML      string         `json:"rawHtml,omitempty"`
	Links        []string       `json:"links,omitempty"`
	LinkMetadata []LinkMetadata `json:"linkMetadata,omitempty"`
	Images       []string       `json:"images,omitempty"`
	Screenshot   string         `json:"screenshot,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	JSON         map[string]any `json:"json,omitempty"`
	Branding     map[string]any `json:"branding,omitempty"`
	Engine       string         `json:"engine,omitempty"`
	Metadata     Metadata       `json:"metadata"`
}

// JobKind enumerates the four billed operations.
type JobKind string

const (
	JobKindScrape JobKind = "scrape"
	JobKindCrawl  JobKind = "crawl"
	JobKindSearch JobKind = "search"
	JobKindMap    JobKind = "map"
)

// JobStatus is the job status machine.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ChargeMode distinguishes the two billing-ledger primitives.
type ChargeMode string

const (
	ChargeModeDelta  ChargeMode = "delta"
	ChargeModeTarget ChargeMode = "target"
)

// ChargeItem is a single itemized line within ChargeDetails.
type ChargeItem struct {
	Code    string         `json:"code"`
	Credits float64        `json:"credits"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ChargeDetails is the version-tagged, itemized breakdown of a single
// ledger row, used for audit and customer-facing invoices.
type ChargeDetails struct {
	Version    int          `json:"version"`
	Basis      string       `json:"basis"`
	Calculator string       `json:"calculator"`
	Total      float64      `json:"total"`
	Items      []ChargeItem `json:"items"`
}

// OwnerKind distinguishes the two ways a webhook subscription can be
// scoped: to an api-key or to a user.
type OwnerKind string

const (
	OwnerKindAPIKey OwnerKind = "api_key"
	OwnerKindUser   OwnerKind = "user"
)

// Owner is a dual-ownership sum type: either an api-key or a user owns
// a given webhook subscription.
type Owner struct {
	Kind OwnerKind
	ID   string
}

func OwnerAPIKey(id string) Owner { return Owner{Kind: OwnerKindAPIKey, ID: id} }
func OwnerUser(id string) Owner   { return Owner{Kind: OwnerKindUser, ID: id} }

// EventType enumerates the webhook event catalog.
type EventType string

const (
	EventScrapeCreated   EventType = "scrape.created"
	EventScrapeStarted   EventType = "scrape.started"
	EventScrapeCompleted EventType = "scrape.completed"
	EventScrapeCancelled EventType = "scrape.cancelled"

	EventCrawlCreated     EventType = "crawl.created"
	EventCrawlStarted     EventType = "crawl.started"
	EventCrawlPageSuccess EventType = "crawl.page_success"
	EventCrawlCompleted   EventType = "crawl.completed"
	EventCrawlCancelled   EventType = "crawl.cancelled"

	EventSearchCreated   EventType = "search.created"
	EventSearchStarted   EventType = "search.started"
	EventSearchCompleted EventType = "search.completed"
	EventSearchCancelled EventType = "search.cancelled"

	EventTaskCreated   EventType = "task.created"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskCancelled EventType = "task.cancelled"

	EventWebhookTest EventType = "webhook.test"
)

// ResourceType is the subject of a webhook event.
type ResourceType string

const (
	ResourceScrape  ResourceType = "scrape"
	ResourceCrawl   ResourceType = "crawl"
	ResourceSearch  ResourceType = "search"
	ResourceTask    ResourceType = "task"
	ResourceWebhook ResourceType = "webhook"
)

// SubscriptionScope controls which resources a subscription is notified
// about.
type SubscriptionScope string

const (
	ScopeAll      SubscriptionScope = "all"
	ScopeSpecific SubscriptionScope = "specific"
)

// DeliveryStatus is the webhook delivery status machine.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)
