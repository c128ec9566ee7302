// Package cache implements the Fingerprint & Cache Store (C1): URL and
// options normalization, SHA-256 fingerprinting, and a read-newest-within-
// TTL lookup over the blob store.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// trackingParamAllowlist is the fixed set of query params stripped during
// URL normalization.
var trackingParamAllowlist = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "fbclid": true, "gclid": true,
}

// NormalizeURL lower-cases the host, strips a trailing slash on non-root
// paths, drops tracking params, and sorts remaining query keys.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("cache: invalid url %q: %w", raw, err)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	q := u.Query()
	for k := range q {
		if trackingParamAllowlist[strings.ToLower(k)] {
			q.Del(k)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sorted url.Values = make(url.Values, len(keys))
	for _, k := range keys {
		sorted[k] = q[k]
	}
	u.RawQuery = sorted.Encode()

	return u.String(), nil
}

// URLHash returns SHA-256(normalized_url) as hex.
func URLHash(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])
}

// Options is the fixed tuple fingerprinted for the options hash. Zero
// values mean "use the documented default" and are applied by
// NormalizeOptions before hashing.
type Options struct {
	Engine           string
	Formats          []string
	JSONOptions      any
	IncludeTags      []string
	ExcludeTags      []string
	OnlyMainContent  *bool
	ExtractSource    string
	OCROptions       *bool
	WaitFor          int
	WaitUntil        string
	WaitForSelector  []string
	Proxy            string
	ProxyRawURL      string // raw proxy URL, hashed into the custom:<12hex> token
	UsesTemplate     bool
	HasCustomHeaders bool
	HasActions       bool
}

func boolPtr(b bool) *bool { return &b }

// NormalizeOptions applies documented defaults and returns a canonical,
// order-independent copy ready for hashing.
func NormalizeOptions(o Options) Options {
	out := o
	if out.Engine == "" {
		out.Engine = "cheerio"
	}
	if len(out.Formats) == 0 {
		out.Formats = []string{"markdown"}
	} else {
		out.Formats = sortedCopy(out.Formats)
	}
	out.IncludeTags = sortedCopy(out.IncludeTags)
	out.ExcludeTags = sortedCopy(out.ExcludeTags)
	out.WaitForSelector = sortedCopy(out.WaitForSelector)
	if out.OnlyMainContent == nil {
		out.OnlyMainContent = boolPtr(true)
	}
	if out.ExtractSource == "" {
		out.ExtractSource = "markdown"
	}
	if out.OCROptions == nil {
		out.OCROptions = boolPtr(false)
	}
	out.Proxy = normalizeProxyToken(out.Proxy, out.ProxyRawURL)
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// normalizeProxyToken produces one of none/auto/base/stealth/custom:<12hex>.
func normalizeProxyToken(proxy, rawURL string) string {
	switch proxy {
	case "", "none":
		return "none"
	case "auto", "base", "stealth":
		return proxy
	default:
		sum := sha256.Sum256([]byte(rawURL))
		return "custom:" + hex.EncodeToString(sum[:])[:12]
	}
}

// OptionsHash returns SHA-256(JSON(sorted fields)) over the normalized
// options tuple.
func OptionsHash(o Options) (string, error) {
	n := NormalizeOptions(o)

	tuple := struct {
		Engine          string   `json:"engine"`
		Formats         []string `json:"formats"`
		JSONOptions     string   `json:"json_options"`
		IncludeTags     []string `json:"include_tags"`
		ExcludeTags     []string `json:"exclude_tags"`
		OnlyMainContent bool     `json:"only_main_content"`
		ExtractSource   string   `json:"extract_source"`
		OCROptions      bool     `json:"ocr_options"`
		WaitFor         int      `json:"wait_for"`
		WaitUntil       string   `json:"wait_until"`
		WaitForSelector []string `json:"wait_for_selector"`
		Proxy           string   `json:"proxy"`
	}{
		Engine:          n.Engine,
		Formats:         n.Formats,
		IncludeTags:     n.IncludeTags,
		ExcludeTags:     n.ExcludeTags,
		OnlyMainContent: *n.OnlyMainContent,
		ExtractSource:   n.ExtractSource,
		OCROptions:      *n.OCROptions,
		WaitFor:         n.WaitFor,
		WaitUntil:       n.WaitUntil,
		WaitForSelector: n.WaitForSelector,
		Proxy:           n.Proxy,
	}
	tuple.JSONOptions = stringifySorted(n.JSONOptions)

	b, err := json.Marshal(tuple)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// stringifySorted produces a stable string form of an arbitrary
// JSON-able value by round-tripping it through a map with sorted keys.
func stringifySorted(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return string(b)
	}
	out, err := json.Marshal(sortKeys(generic))
	if err != nil {
		return string(b)
	}
	return string(out)
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(val))
		for _, k := range keys {
			ordered[k] = sortKeys(val[k])
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out
	default:
		return val
	}
}

// IsBypassed reports whether the request must bypass the cache entirely
// (template, custom headers, or embedded actions).
func IsBypassed(o Options) bool {
	return o.UsesTemplate || o.HasCustomHeaders || o.HasActions
}

// BlobPrefix returns the key prefix under which all versions for a
// fingerprint are stored: "<prefix>/<url_hash>/<options_hash>/". Keying on
// both halves of the fingerprint keeps requests for the same URL with
// different formats/engine/options from reading or clobbering each other's
// cached blobs.
func BlobPrefix(prefix, urlHash, optionsHash string) string {
	if prefix == "" {
		return urlHash + "/" + optionsHash + "/"
	}
	return strings.TrimSuffix(prefix, "/") + "/" + urlHash + "/" + optionsHash + "/"
}

// ObjectKey returns the write-time key
// "<prefix>/<url_hash>/<options_hash>/<epoch_ms>.json".
func ObjectKey(prefix, urlHash, optionsHash string, epochMs int64) string {
	return BlobPrefix(prefix, urlHash, optionsHash) + strconv.FormatInt(epochMs, 10) + ".json"
}
