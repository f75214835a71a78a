package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type stageKey struct {
	jobID string
	stage string
}

// MemoryStore is a Store held in process memory. One mutex serializes every
// transition.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	stages map[stageKey]*StageState
	events []*Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		stages: make(map[stageKey]*StageState),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *Job, stage *StageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return pipelineError(ErrConflict, "job "+job.ID+" already exists")
	}
	s.jobs[job.ID] = cloneJob(job)
	s.stages[stageKey{job.ID, stage.Stage}] = cloneStage(stage)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, pipelineError(ErrNotFound, "job "+id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) GetStage(_ context.Context, jobID, stage string) (*StageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stages[stageKey{jobID, stage}]
	if !ok {
		return nil, pipelineError(ErrNotFound, "stage "+stage+" of job "+jobID)
	}
	return cloneStage(state), nil
}

func (s *MemoryStore) ListStages(_ context.Context, jobID string) ([]*StageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, pipelineError(ErrNotFound, "job "+jobID)
	}
	out := make([]*StageState, 0)
	for key, state := range s.stages {
		if key.jobID == jobID {
			out = append(out, cloneStage(state))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

func (s *MemoryStore) locate(jobID, stage string) (*Job, *StageState, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, pipelineError(ErrNotFound, "job "+jobID)
	}
	state, ok := s.stages[stageKey{jobID, stage}]
	if !ok {
		return job, nil, pipelineError(ErrNotFound, "stage "+stage+" of job "+jobID)
	}
	return job, state, nil
}

func (s *MemoryStore) UpsertStage(_ context.Context, in StageUpsert, policy UpsertPolicy) (*StageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[in.JobID]
	if !ok {
		return nil, pipelineError(ErrNotFound, "job "+in.JobID)
	}
	key := stageKey{in.JobID, in.Stage}
	existing := s.stages[key]
	if err := checkEnqueue(job, existing); err != nil {
		return nil, err
	}
	merged := policy.merge(existing, in)
	s.stages[key] = merged
	applyQueued(job, merged, in.Now)
	return cloneStage(merged), nil
}

func (s *MemoryStore) RevertStage(_ context.Context, jobID, stage, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, state, err := s.locate(jobID, stage)
	if err != nil {
		return err
	}
	applyRevert(state, lastError, now)
	return nil
}

func (s *MemoryStore) MarkDequeued(_ context.Context, jobID, stage string, visibleUntil, now time.Time) (*StageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, state, err := s.locate(jobID, stage)
	if err != nil {
		return nil, err
	}
	// Work on copies so a rejected transition leaves no partial update.
	nextJob, nextStage := cloneJob(job), cloneStage(state)
	if err := applyDequeue(nextJob, nextStage, visibleUntil, now); err != nil {
		return nil, err
	}
	s.jobs[jobID], s.stages[stageKey{jobID, stage}] = nextJob, nextStage
	return cloneStage(nextStage), nil
}

func (s *MemoryStore) CompleteStage(_ context.Context, jobID, stage string, result []byte, jobTerminal bool, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, state, err := s.locate(jobID, stage)
	if err != nil {
		return nil, err
	}
	if err := applyComplete(job, state, result, jobTerminal, now); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) RecordRetry(_ context.Context, jobID, stage string, nextRetryAt time.Time, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, state, err := s.locate(jobID, stage)
	if err != nil {
		return err
	}
	applyRetry(state, nextRetryAt, lastError, now)
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, jobID, stage, reason, errText string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, state, err := s.locate(jobID, stage)
	if err != nil {
		return nil, err
	}
	if err := applyFailed(job, state, reason, errText, now); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ResetStage(_ context.Context, jobID, stage string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, state, err := s.locate(jobID, stage)
	if err != nil {
		return err
	}
	applyReset(job, state, now)
	return nil
}

func (s *MemoryStore) SetVisibleUntil(_ context.Context, jobID, stage string, visibleUntil, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, state, err := s.locate(jobID, stage)
	if err != nil {
		return err
	}
	if state.Status != StageProcessing {
		return pipelineError(ErrConflict, "stage "+stage+" of job "+jobID+" is not processing")
	}
	state.VisibleUntil = timePtr(visibleUntil)
	state.UpdatedAt = now
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	copied := *event
	s.mu.Lock()
	s.events = append(s.events, &copied)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, jobID string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0)
	for _, event := range s.events {
		if jobID == "" || event.JobID == jobID {
			copied := *event
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) Backlog(_ context.Context, stage string, now time.Time) (Backlog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backlog := Backlog{Stage: stage}
	for key, state := range s.stages {
		if key.stage != stage {
			continue
		}
		switch state.Status {
		case StageQueued:
			if !state.AvailableAt.After(now) {
				backlog.Ready++
			}
		case StageProcessing:
			switch {
			case expired(state, now):
				backlog.Ready++
				backlog.Stale++
			case state.LastDequeuedAt != nil && state.FinishedAt == nil:
				backlog.Inflight++
			}
		}
	}
	return backlog, nil
}

func expired(state *StageState, now time.Time) bool {
	return state.VisibleUntil != nil && !state.VisibleUntil.After(now)
}

func (s *MemoryStore) StaleCounts(_ context.Context, now time.Time) ([]StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for key, state := range s.stages {
		if state.Status == StageProcessing && expired(state, now) {
			counts[key.stage]++
		}
	}
	out := make([]StatusCount, 0, len(counts))
	for stage, count := range counts {
		out = append(out, StatusCount{Stage: stage, Status: StageProcessing, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func (s *MemoryStore) ListStalled(_ context.Context, cutoff time.Time, limit int) ([]*StageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StageState, 0)
	for key, state := range s.stages {
		job := s.jobs[key.jobID]
		if job == nil || job.Status.Terminal() || !state.UpdatedAt.Before(cutoff) {
			continue
		}
		if stalled(job, state) {
			out = append(out, cloneStage(state))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StageStatusCounts(context.Context) ([]StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[StatusCount]int)
	for key, state := range s.stages {
		counts[StatusCount{Stage: key.stage, Status: state.Status}]++
	}
	out := make([]StatusCount, 0, len(counts))
	for group, count := range counts {
		group.Count = count
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}
