package job

import (
	"sort"
	"sync"

	"github.com/oneee-playground/r2d2-agent/internal/metric"
	"github.com/oneee-playground/r2d2-agent/internal/util/ringlog"
)

// Repository is the hand-off point between the control surface and the
// execution loop. Implementations must be safe for concurrent use.
type Repository interface {
	// Reserve hands out the next id without storing anything. Ids that are
	// reserved but never added are skipped.
	Reserve() int
	// Add stores j and returns the stored copy. A zero j.ID is replaced by a
	// newly assigned id; a non-zero one must come from Reserve.
	Add(j Job) Job
	// Find returns a copy of the job, or false if it does not exist.
	Find(id int) (Job, bool)
	// GetAll returns copies of every job ordered by id.
	GetAll() []Job
	// Update replaces the stored job with the same id. It returns false if
	// there is no such job.
	Update(j Job) bool
	Remove(id int)
	// Mutate runs fn against the job as a single atomic read-modify-write.
	// Changes are committed only when fn returns nil.
	Mutate(id int, fn func(j *Job) error) (Job, error)
}

type entry struct {
	mu  sync.Mutex
	job Job
}

// MemoryRepository keeps jobs in memory. Jobs do not survive a restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	lastID  int
	entries map[int]*entry

	logCapacity int
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository(logCapacity int) *MemoryRepository {
	return &MemoryRepository{
		entries:     make(map[int]*entry),
		logCapacity: logCapacity,
	}
}

func (r *MemoryRepository) Add(j Job) Job {
	j = j.Clone()
	if j.BuildLog == nil {
		j.BuildLog = ringlog.New(r.logCapacity)
	}
	if j.Output == nil {
		j.Output = ringlog.New(r.logCapacity)
	}
	if j.Measurements == nil {
		j.Measurements = metric.NewStream()
	}

	r.mu.Lock()
	if j.ID == 0 {
		r.lastID++
		j.ID = r.lastID
	}
	r.entries[j.ID] = &entry{job: j}
	r.mu.Unlock()

	return j.Clone()
}

func (r *MemoryRepository) Reserve() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	return r.lastID
}

func (r *MemoryRepository) lookup(id int) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return e, ok
}

func (r *MemoryRepository) Find(id int) (Job, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Job{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), true
}

func (r *MemoryRepository) GetAll() []Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]Job, len(entries))
	for idx, e := range entries {
		e.mu.Lock()
		jobs[idx] = e.job.Clone()
		e.mu.Unlock()
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs
}

func (r *MemoryRepository) Update(j Job) bool {
	e, ok := r.lookup(j.ID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	j = j.Clone()
	// The buffers belong to the stored job; a caller holding an older copy
	// must not be able to swap them out.
	j.BuildLog, j.Output, j.Measurements = e.job.BuildLog, e.job.Output, e.job.Measurements
	e.job = j
	return true
}

func (r *MemoryRepository) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *MemoryRepository) Mutate(id int, fn func(j *Job) error) (Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Job{}, NotFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	scratch := e.job.Clone()
	if err := fn(&scratch); err != nil {
		return e.job.Clone(), err
	}

	scratch.ID = e.job.ID
	scratch.BuildLog, scratch.Output, scratch.Measurements = e.job.BuildLog, e.job.Output, e.job.Measurements
	e.job = scratch

	return scratch.Clone(), nil
}
