package submit

import (
	"fmt"
	"net/url"
	"strings"
)

// Ref is a validated tweet reference.
type Ref struct {
	URL     string // canonical form, query stripped
	TweetID string
	Author  string // screen name from the URL path
}

var tweetHosts = map[string]bool{
	"twitter.com":        true,
	"www.twitter.com":    true,
	"mobile.twitter.com": true,
	"x.com":              true,
	"www.x.com":          true,
}

// ParseRef validates that raw is a tweet status URL on a supported host and
// extracts the numeric status id. Query parameters and fragments are
// discarded so the same tweet shared through different trackers dedupes to
// one id.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, &ValidationError{Ref: raw, Reason: "not a URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Ref{}, &ValidationError{Ref: raw, Reason: "unsupported scheme"}
	}
	if !tweetHosts[strings.ToLower(u.Host)] {
		return Ref{}, &ValidationError{Ref: raw, Reason: "unsupported host"}
	}

	// Expected path: /{author}/status/{id} or /{author}/statuses/{id}.
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || (parts[1] != "status" && parts[1] != "statuses") {
		return Ref{}, &ValidationError{Ref: raw, Reason: "not a status URL"}
	}
	author := parts[0]
	id := parts[2]
	if id == "" || !allDigits(id) {
		return Ref{}, &ValidationError{Ref: raw, Reason: "missing status id"}
	}

	return Ref{
		URL:     fmt.Sprintf("https://%s/%s/status/%s", canonicalHost(u.Host), author, id),
		TweetID: id,
		Author:  author,
	}, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func canonicalHost(host string) string {
	h := strings.ToLower(host)
	if h == "x.com" || h == "www.x.com" {
		return "x.com"
	}
	return "twitter.com"
}
