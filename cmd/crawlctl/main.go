// Package main provides crawlctl, the operator CLI for the link crawler.
//
// Usage:
//
//	crawlctl seed https://example.com/
//	crawlctl seed --file seeds.yaml
//	crawlctl check
package main

func main() {
	Execute()
}
