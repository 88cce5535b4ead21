package extract

import (
	"net/url"
	"reflect"
	"strings"
	"testing"
)

func TestLinksRelativeResolvesAgainstBase(t *testing.T) {
	page, err := Links("https://example.com/page", strings.NewReader(`<a href="/about">About</a>`))
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	want := []string{"https://example.com/about"}
	if !reflect.DeepEqual(page.Links, want) {
		t.Fatalf("expected %v, got %v", want, page.Links)
	}
}

func TestLinksSameDomainOnly(t *testing.T) {
	doc := `<html><head><title>Home</title></head><body>
		<a href="/a">a</a>
		<a href="https://example.com/b">b</a>
		<a href="https://other.com/c">c</a>
	</body></html>`

	page, err := Links("https://example.com/", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	want := []string{"https://example.com/a", "https://example.com/b"}
	if !reflect.DeepEqual(page.Links, want) {
		t.Fatalf("expected %v, got %v", want, page.Links)
	}
	if page.Title != "Home" {
		t.Fatalf("expected title Home, got %q", page.Title)
	}
}

func TestLinksNeverReturnsForeignHost(t *testing.T) {
	base := "https://example.com:8443/docs/index.html"
	doc := `
		<a href="guide.html">relative</a>
		<a href="../up">parent</a>
		<a href="/root">absolute path</a>
		<a href="#section">fragment only</a>
		<a href="?page=2">query only</a>
		<a href="//example.com:8443/proto">protocol relative same host</a>
		<a href="//cdn.example.com/x.js">protocol relative other host</a>
		<a href="//example.com/no-port">same name, different port</a>
		<a href="https://example.com:8443/full">absolute same host</a>
		<a href="http://evil.com/">absolute other host</a>
		<a href="mailto:someone@example.com">mail</a>
		<a href="javascript:void(0)">js</a>
		<a href="ftp://example.com:8443/file">ftp</a>
		<a href="http://[::1">malformed</a>
		<a href="   ">blank</a>
		<a>no href</a>`

	page, err := Links(base, strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Links: %v", err)
	}

	baseURL, _ := url.Parse(base)
	for _, link := range page.Links {
		u, err := url.Parse(link)
		if err != nil {
			t.Fatalf("returned unparseable link %q", link)
		}
		if !SameHost(baseURL, u) {
			t.Fatalf("returned foreign link %q", link)
		}
	}

	want := []string{
		"https://example.com:8443/docs/guide.html",
		"https://example.com:8443/docs/index.html#section",
		"https://example.com:8443/docs/index.html?page=2",
		"https://example.com:8443/full",
		"https://example.com:8443/proto",
		"https://example.com:8443/root",
		"https://example.com:8443/up",
	}
	if !reflect.DeepEqual(page.Links, want) {
		t.Fatalf("expected %v, got %v", want, page.Links)
	}
}

func TestLinksDeduplicatesWithinPage(t *testing.T) {
	doc := `<a href="/x">1</a><a href="/x">2</a><a href="https://example.com/x">3</a>`
	page, err := Links("https://example.com/", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(page.Links) != 1 {
		t.Fatalf("expected one unique link, got %v", page.Links)
	}
}

func TestLinksNoLinksNoTitle(t *testing.T) {
	page, err := Links("https://example.com/", strings.NewReader("<p>plain text</p>"))
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(page.Links) != 0 {
		t.Fatalf("expected no links, got %v", page.Links)
	}
	if page.Title != NoTitle {
		t.Fatalf("expected %q, got %q", NoTitle, page.Title)
	}
}

func TestLinksFirstTitleWins(t *testing.T) {
	doc := "<title>\n  First   page </title><title>Second</title>"
	page, err := Links("https://example.com/", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if page.Title != "First page" {
		t.Fatalf("unexpected title %q", page.Title)
	}
}

func TestLinksTruncatedDocument(t *testing.T) {
	doc := `<html><body><a href="/ok">ok</a><a href="/cut`
	page, err := Links("https://example.com/", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(page.Links) == 0 || page.Links[0] != "https://example.com/ok" {
		t.Fatalf("expected partial extraction, got %v", page.Links)
	}
}

func TestLinksRejectsRelativeBase(t *testing.T) {
	if _, err := Links("/relative", strings.NewReader("")); err == nil {
		t.Fatal("expected error for relative base url")
	}
}
