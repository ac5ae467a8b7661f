package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Service tries the index first and falls back to the fallback searcher.
type Service struct {
	index    Index
	fallback Searcher
	loader   RecordLoader
	logger   zerolog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil when Meilisearch
// is not configured.
func NewService(index Index, fallback Searcher, loader RecordLoader, logger zerolog.Logger) *Service {
	return &Service{
		index:    index,
		fallback: fallback,
		loader:   loader,
		logger:   logger.With().Str("component", "search").Logger(),
	}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search never fails; engine errors are logged and yield no results.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("index search failed, falling back to postgres")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("postgres search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTask pushes a task to the index in the background.
func (s *Service) IndexTask(task TaskRecord) {
	if !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.IndexTasks([]TaskRecord{task}); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("index task")
		}
	}()
}

// DeleteTask removes a task from the index in the background.
func (s *Service) DeleteTask(id string) {
	if !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.DeleteTask(id); err != nil {
			s.logger.Warn().Err(err).Str("task_id", id).Msg("delete task from index")
		}
	}()
}

// ReindexAllFromPG pushes every stored task to the index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexReady() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadTaskRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.index.IndexTasks(records); err != nil {
		s.logger.Error().Err(err).Int("tasks", len(records)).Msg("reindex failed")
		return
	}
	s.logger.Info().Int("tasks", len(records)).Msg("reindexed tasks")
}

// Healthy reports whether the index (when configured) is reachable.
func (s *Service) Healthy() bool {
	return s.index == nil || s.index.Healthy()
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
