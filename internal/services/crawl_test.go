package services

import "testing"

func TestSameHostOrSubdomain(t *testing.T) {
	cases := []struct {
		base, host        string
		includeSubdomains bool
		want              bool
	}{
		{"example.com", "example.com", false, true},
		{"example.com", "EXAMPLE.COM", false, true},
		{"example.com", "blog.example.com", false, false},
		{"example.com", "blog.example.com", true, true},
		{"example.com", "other.com", true, false},
		{"example.com", "", true, false},
	}

	for _, c := range cases {
		got := sameHostOrSubdomain(c.base, c.host, c.includeSubdomains)
		if got != c.want {
			t.Errorf("sameHostOrSubdomain(%q, %q, %v) = %v, want %v", c.base, c.host, c.includeSubdomains, got, c.want)
		}
	}
}

func TestEngineQueueSuffix(t *testing.T) {
	if got := engineQueueSuffix("rod"); got != "rod" {
		t.Fatalf("engineQueueSuffix(rod) = %q, want rod", got)
	}
	if got := engineQueueSuffix("cheerio"); got != "cheerio" {
		t.Fatalf("engineQueueSuffix(cheerio) = %q, want cheerio", got)
	}
	if got := engineQueueSuffix(""); got != "cheerio" {
		t.Fatalf("engineQueueSuffix(\"\") = %q, want cheerio default", got)
	}
}
