package origin

import (
	"strings"
	"testing"
)

func FuzzNormalizeHeader(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://010.0.0.1")
	f.Add("http://[::FFFF:192.0.2.1]")
	f.Add("null")

	f.Add("")
	f.Add("   ")
	f.Add("ftp://example.com")
	f.Add("https://example.com/path")
	f.Add("https://example.com?query")
	f.Add("https://example.com#frag")
	f.Add("https://example.com,https://evil.example.com")

	wildcard := NewPolicy([]string{"*"})

	f.Fuzz(func(t *testing.T, originHeader string) {
		normalized, ok := NormalizeHeader(originHeader)
		again, okAgain := NormalizeHeader(originHeader)
		if ok != okAgain || normalized != again {
			t.Fatalf("non-deterministic result for %q", originHeader)
		}
		if wildcard.Allows(originHeader) != ok {
			t.Fatalf("wildcard policy disagrees with NormalizeHeader for %q", originHeader)
		}
		if !ok || normalized == "null" {
			return
		}

		if strings.ContainsAny(normalized, " \t\r\n?#") {
			t.Fatalf("normalized origin contains whitespace or delimiters: %q", normalized)
		}
		if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
			t.Fatalf("normalized origin missing scheme: %q", normalized)
		}
		if strings.HasSuffix(normalized, ":80") && strings.HasPrefix(normalized, "http://") {
			t.Fatalf("default port kept: %q", normalized)
		}
	})
}
