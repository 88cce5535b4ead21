package models

// Edge is a hyperlink from one crawled page to another page on the same host.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}
