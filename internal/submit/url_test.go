package submit

import (
	"errors"
	"testing"
)

func TestParseRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		id      string
		url     string
		author  string
		wantErr bool
	}{
		{
			name:   "plain twitter",
			raw:    "https://twitter.com/jack/status/20",
			id:     "20",
			url:    "https://twitter.com/jack/status/20",
			author: "jack",
		},
		{
			name:   "x.com with tracker",
			raw:    "https://x.com/jack/status/20?s=46&t=abc",
			id:     "20",
			url:    "https://x.com/jack/status/20",
			author: "jack",
		},
		{
			name: "mobile statuses form",
			raw:  "https://mobile.twitter.com/jack/statuses/20",
			id:   "20",
			url:  "https://twitter.com/jack/status/20",
		},
		{
			name: "www x.com normalizes",
			raw:  "https://www.x.com/jack/status/20",
			url:  "https://x.com/jack/status/20",
			id:   "20",
		},
		{name: "unsupported host", raw: "https://example.com/jack/status/20", wantErr: true},
		{name: "profile url", raw: "https://twitter.com/jack", wantErr: true},
		{name: "non-numeric id", raw: "https://twitter.com/jack/status/abc", wantErr: true},
		{name: "bad scheme", raw: "ftp://twitter.com/jack/status/20", wantErr: true},
		{name: "not a url", raw: "just some text", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ref, err := ParseRef(tt.raw)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("err = %v, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRef(%q): %v", tt.raw, err)
			}
			if ref.TweetID != tt.id {
				t.Errorf("TweetID = %q, want %q", ref.TweetID, tt.id)
			}
			if ref.URL != tt.url {
				t.Errorf("URL = %q, want %q", ref.URL, tt.url)
			}
			if tt.author != "" && ref.Author != tt.author {
				t.Errorf("Author = %q, want %q", ref.Author, tt.author)
			}
		})
	}
}
