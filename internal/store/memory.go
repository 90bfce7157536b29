package store

import (
	"context"
	"sort"
	"sync"

	"github.com/vqmeter/vqmeter/pkg/models"
)

// Memory is an in-process Store. Reads return copies so callers never
// observe a record mid-mutation.
type Memory struct {
	mu       sync.RWMutex
	assets   map[string]models.VideoAsset
	assetSeq []string // insertion order, newest last
	jobs     map[string]models.Job
	jobSeq   []string
	units    map[string][]models.UnitQuality
	batches  map[string]models.Batch
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		assets:  make(map[string]models.VideoAsset),
		jobs:    make(map[string]models.Job),
		units:   make(map[string][]models.UnitQuality),
		batches: make(map[string]models.Batch),
	}
}

func (m *Memory) CreateAsset(_ context.Context, asset *models.VideoAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[asset.ID] = *asset
	m.assetSeq = append(m.assetSeq, asset.ID)
	return nil
}

func (m *Memory) GetAsset(_ context.Context, id string) (*models.VideoAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.assets[id]
	if !ok {
		return nil, models.ErrAssetNotFound
	}
	return &asset, nil
}

func (m *Memory) ListAssets(_ context.Context, offset, limit int) ([]models.VideoAsset, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := len(m.assetSeq)
	ids := newestFirst(m.assetSeq, offset, limit)
	out := make([]models.VideoAsset, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.assets[id])
	}
	return out, total, nil
}

func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	m.jobSeq = append(m.jobSeq, job.ID)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return &job, nil
}

func (m *Memory) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return models.ErrJobNotFound
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) ListJobs(_ context.Context, offset, limit int) ([]models.Job, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := len(m.jobSeq)
	ids := newestFirst(m.jobSeq, offset, limit)
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.jobs[id])
	}
	return out, total, nil
}

func (m *Memory) ListJobsByBatch(_ context.Context, batchID string) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Job
	for _, id := range m.jobSeq {
		if job := m.jobs[id]; job.BatchID == batchID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *Memory) AppendUnits(_ context.Context, jobID string, units []models.UnitQuality) error {
	if len(units) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return models.ErrJobNotFound
	}
	m.units[jobID] = append(m.units[jobID], units...)
	sort.SliceStable(m.units[jobID], func(i, j int) bool {
		return m.units[jobID][i].Index < m.units[jobID][j].Index
	})
	return nil
}

func (m *Memory) ListUnits(_ context.Context, jobID string, offset, limit int) ([]models.UnitQuality, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.units[jobID]
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]models.UnitQuality, end-offset)
	copy(out, all[offset:end])
	return out, total, nil
}

func (m *Memory) CreateBatch(_ context.Context, batch *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := *batch
	b.JobIDs = append([]string(nil), batch.JobIDs...)
	m.batches[batch.ID] = b
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[id]
	if !ok {
		return nil, models.ErrBatchNotFound
	}
	b := batch
	b.JobIDs = append([]string(nil), batch.JobIDs...)
	return &b, nil
}

// newestFirst pages through ids in reverse insertion order.
func newestFirst(seq []string, offset, limit int) []string {
	n := len(seq)
	if offset >= n {
		return nil
	}
	count := n - offset
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]string, 0, count)
	for i := n - 1 - offset; i >= 0 && len(out) < count; i-- {
		out = append(out, seq[i])
	}
	return out
}
