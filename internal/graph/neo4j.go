//go:generate mockgen -destination=../../mocks/graph.go -package=mocks link-crawler/internal/graph SessionRunner,DriverSessioner

// Package graph records the link structure discovered by the crawl in Neo4j.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"link-crawler/internal/config"
	"link-crawler/internal/models"
)

// SessionRunner abstracts neo4j.SessionWithContext.
type SessionRunner interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (any, error)
	Close(ctx context.Context) error
}

// DriverSessioner abstracts neo4j.DriverWithContext.
type DriverSessioner interface {
	NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner
	Close(ctx context.Context) error
}

type neo4jDriver struct {
	driver neo4j.DriverWithContext
}

func (d *neo4jDriver) NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner {
	return d.driver.NewSession(ctx, config)
}

func (d *neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Connect opens a Neo4j driver and checks connectivity.
func Connect(ctx context.Context, cfg config.GraphConfig) (DriverSessioner, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &neo4jDriver{driver: driver}, nil
}

const linksQuery = "MERGE (from:Page {url: $from}) " +
	"SET from.title = $title " +
	"WITH from " +
	"UNWIND $edges AS edge " +
	"MERGE (to:Page {url: edge.to}) " +
	"MERGE (from)-[:LINKS_TO]->(to)"

// Recorder writes page -> link edges. It is safe for concurrent use.
type Recorder struct {
	driver   DriverSessioner
	database string
	log      *logrus.Entry
}

// NewRecorder returns a Recorder writing to database (empty for the
// server default).
func NewRecorder(driver DriverSessioner, database string, log *logrus.Entry) *Recorder {
	return &Recorder{driver: driver, database: database, log: log}
}

// RecordLinks merges the page node for from and one LINKS_TO relationship
// per link. Re-recording the same page is a no-op.
func (r *Recorder) RecordLinks(ctx context.Context, from, title string, links []string) error {
	query, params := buildLinksQuery(from, title, links)
	return r.runWrite(ctx, query, params)
}

// Close closes the driver.
func (r *Recorder) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *Recorder) runWrite(ctx context.Context, query string, params map[string]any) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: r.database,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			r.log.WithError(err).Warn("neo4j session close error")
		}
	}()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	return err
}

func buildLinksQuery(from, title string, links []string) (string, map[string]any) {
	edges := make([]any, 0, len(links))
	for _, to := range links {
		edge := models.Edge{From: from, To: to}
		edges = append(edges, map[string]any{"to": edge.To})
	}
	params := map[string]any{
		"from":  from,
		"title": title,
		"edges": edges,
	}
	return linksQuery, params
}
