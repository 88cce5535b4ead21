package graph_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"link-crawler/internal/graph"
	"link-crawler/internal/logging"
	"link-crawler/mocks"
)

func TestBuildLinksQuery(t *testing.T) {
	query, params := graph.BuildLinksQuery("http://example.com/", "Home", []string{
		"http://example.com/a",
		"http://example.com/b",
	})
	if !strings.Contains(query, "MERGE (from:Page {url: $from})") || !strings.Contains(query, ":LINKS_TO") {
		t.Fatalf("unexpected query: %s", query)
	}
	if params["from"] != "http://example.com/" || params["title"] != "Home" {
		t.Fatalf("unexpected params: %+v", params)
	}
	edges, ok := params["edges"].([]any)
	if !ok || len(edges) != 2 {
		t.Fatalf("unexpected edges: %#v", params["edges"])
	}
	if edges[1].(map[string]any)["to"] != "http://example.com/b" {
		t.Fatalf("unexpected edge: %#v", edges[1])
	}
}

func newRecorder(t *testing.T, writeErr error) (*graph.Recorder, *bool) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	driver := mocks.NewMockDriverSessioner(ctrl)
	session := mocks.NewMockSessionRunner(ctrl)
	called := false

	driver.EXPECT().NewSession(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg neo4j.SessionConfig) graph.SessionRunner {
			if cfg.AccessMode != neo4j.AccessModeWrite || cfg.DatabaseName != "crawl" {
				t.Errorf("unexpected session config: %+v", cfg)
			}
			return session
		},
	)
	session.EXPECT().Close(gomock.Any()).Return(nil)
	session.EXPECT().ExecuteWrite(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, work neo4j.ManagedTransactionWork, _ ...func(*neo4j.TransactionConfig)) (any, error) {
			called = true
			return nil, writeErr
		},
	)

	return graph.NewRecorder(driver, "crawl", logging.Discard()), &called
}

func TestRecordLinksExecutesWrite(t *testing.T) {
	recorder, called := newRecorder(t, nil)
	if err := recorder.RecordLinks(context.Background(), "http://example.com/", "Home", []string{"http://example.com/a"}); err != nil {
		t.Fatalf("record links: %v", err)
	}
	if !*called {
		t.Fatal("expected execute write call")
	}
}

func TestRecordLinksReturnsWriteError(t *testing.T) {
	boom := errors.New("neo4j unavailable")
	recorder, _ := newRecorder(t, boom)
	err := recorder.RecordLinks(context.Background(), "http://example.com/", "Home", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}
