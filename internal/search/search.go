// Package search provides task full-text search. Meilisearch is used when
// it is configured and reachable; PostgreSQL full-text search is the fallback.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"titulo"`
	Snippet string `json:"snippet"`
	Done    bool   `json:"completo"`
	OwnerID string `json:"userId"`
}

// Query describes a search request. An empty OwnerID searches every owner.
type Query struct {
	Text    string
	OwnerID string
	Limit   int
	Offset  int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a search engine that tasks are pushed into.
type Index interface {
	Searcher
	IndexTasks(tasks []TaskRecord) error
	DeleteTask(id string) error
}

// RecordLoader reads every task for a full reindex.
type RecordLoader interface {
	LoadTaskRecords(ctx context.Context) ([]TaskRecord, error)
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
	OwnerID     string `json:"ownerId"`
}
