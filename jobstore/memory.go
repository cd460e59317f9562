package jobstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sjy-dv/vforge/core"
)

type expiryItem struct {
	at time.Time
	id string
}

func expiryLess(a, b expiryItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// MemoryStore is the default in-memory backend. Records are indexed twice:
// by id for lookups and by expiry time in a btree so the sweep only visits
// the expired prefix instead of the whole map.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*core.Job
	active map[string]string // conflict key -> non-terminal job id
	expiry *btree.BTreeG[expiryItem]
	opts   Options
	cron   *cron.Cron
	now    func() time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	s := &MemoryStore{
		jobs:   make(map[string]*core.Job),
		active: make(map[string]string),
		expiry: btree.NewG(8, expiryLess),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.SweepEvery), func() {
		if n := s.Sweep(); n > 0 {
			log.Debug().Str("action", "jobstore.sweep").Int("evicted", n).Msg("swept expired jobs")
		}
	})
	if err != nil {
		// The descriptor is built from a validated duration, so this is a
		// programming error.
		panic(err)
	}
	s.cron.Start()
	return s
}

func (s *MemoryStore) Create(job core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.MaxJobs > 0 && len(s.jobs) >= s.opts.MaxJobs {
		return ErrStoreFull
	}
	if job.ConflictKey != "" && !job.Terminal() {
		if id, ok := s.active[job.ConflictKey]; ok {
			if cur, ok := s.jobs[id]; ok && !cur.Terminal() {
				return ErrDuplicateKey
			}
		}
	}
	now := s.now()
	job.CreatedAt = now
	job.ExpiresAt = now.Add(s.opts.TTL)
	s.jobs[job.ID] = &job
	s.expiry.ReplaceOrInsert(expiryItem{at: job.ExpiresAt, id: job.ID})
	if job.ConflictKey != "" && !job.Terminal() {
		s.active[job.ConflictKey] = job.ID
	}
	return nil
}

func (s *MemoryStore) Get(id string) (core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return core.Job{}, core.ErrNotFound
	}
	return *job, nil
}

func (s *MemoryStore) SetTerminal(id string, status core.JobStatus, indexPath, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return core.ErrNotFound
	}
	if job.Terminal() {
		return ErrAlreadyTerminal
	}
	job.Status = status
	job.IndexPath = indexPath
	job.ErrorMessage = errorMessage
	// Release the key only if this job still owns it.
	if job.ConflictKey != "" && s.active[job.ConflictKey] == job.ID {
		delete(s.active, job.ConflictKey)
	}
	// Refresh expiry so the terminal outcome stays observable for a full
	// TTL window, and so the sweep cannot race this write.
	s.expiry.Delete(expiryItem{at: job.ExpiresAt, id: job.ID})
	job.ExpiresAt = s.now().Add(s.opts.TTL)
	s.expiry.ReplaceOrInsert(expiryItem{at: job.ExpiresAt, id: job.ID})
	return nil
}

func (s *MemoryStore) ActiveByKey(key string) (core.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[key]
	if !ok {
		return core.Job{}, false
	}
	job, ok := s.jobs[id]
	if !ok {
		return core.Job{}, false
	}
	return *job, true
}

func (s *MemoryStore) Jobs() []core.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	evicted := 0
	var keep []expiryItem
	for {
		item, ok := s.expiry.Min()
		if !ok || item.at.After(now) {
			break
		}
		s.expiry.Delete(item)
		job, ok := s.jobs[item.id]
		if !ok {
			continue
		}
		if !job.Terminal() && !s.opts.EvictRunning {
			// Still in flight: keep the record and push its expiry out a
			// full TTL so the sweep does not revisit it every pass.
			job.ExpiresAt = now.Add(s.opts.TTL)
			keep = append(keep, expiryItem{at: job.ExpiresAt, id: job.ID})
			continue
		}
		delete(s.jobs, item.id)
		if job.ConflictKey != "" && s.active[job.ConflictKey] == job.ID {
			delete(s.active, job.ConflictKey)
		}
		evicted++
	}
	for _, item := range keep {
		s.expiry.ReplaceOrInsert(item)
	}
	return evicted
}

func (s *MemoryStore) Close() error {
	s.cron.Stop()
	return nil
}
