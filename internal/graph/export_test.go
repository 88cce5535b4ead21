package graph

var BuildLinksQuery = buildLinksQuery
