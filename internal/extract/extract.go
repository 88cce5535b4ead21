// Package extract pulls the title and the same-domain hyperlinks out of an
// HTML document.
package extract

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// NoTitle is reported when a page has no <title> text.
const NoTitle = "No Title"

// Page is what the crawler keeps from a fetched document.
type Page struct {
	Title string
	Links []string // absolute, same host as the base URL, sorted and unique
}

// Links parses body and resolves every <a href> against baseURL. Links whose
// host[:port] differs from the base are dropped, as are hrefs that fail to
// parse or resolve to a non-HTTP scheme. Partial documents are fine: the
// tokenizer stops at the first read error and whatever was found is kept.
func Links(baseURL string, body io.Reader) (Page, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if !base.IsAbs() || base.Host == "" {
		return Page{}, fmt.Errorf("base url %q is not absolute", baseURL)
	}

	var (
		title   string
		inTitle bool
		seen    = make(map[string]struct{})
	)

	z := html.NewTokenizer(body)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return Page{Title: pageTitle(title), Links: sortedKeys(seen)}, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch atom.Lookup(name) {
			case atom.Title:
				inTitle = title == "" && tt == html.StartTagToken
			case atom.A:
				if !hasAttr {
					continue
				}
				if href, ok := hrefAttr(z); ok {
					if link, ok := resolve(base, href); ok {
						seen[link] = struct{}{}
					}
				}
			}
		case html.TextToken:
			if inTitle {
				title += string(z.Text())
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); atom.Lookup(name) == atom.Title {
				inTitle = false
			}
		}
	}
}

// SameHost reports whether link has the same network location as base.
func SameHost(base, link *url.URL) bool {
	return strings.EqualFold(base.Host, link.Host)
}

func hrefAttr(z *html.Tokenizer) (string, bool) {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "href" {
			return string(val), true
		}
		if !more {
			return "", false
		}
	}
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if !SameHost(base, abs) {
		return "", false
	}
	return abs.String(), true
}

func pageTitle(raw string) string {
	title := strings.Join(strings.Fields(raw), " ")
	if title == "" {
		return NoTitle
	}
	return title
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
