package jobstore

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/sjy-dv/vforge/core"
)

var (
	jobsBucket   = []byte("jobs")
	activeBucket = []byte("active")
)

// BoltStore is the durable backend. Records survive a process restart, so a
// rebooted builder can still answer status polls for jobs that finished
// before the crash. Jobs that were RUNNING at crash time are swept like any
// other expired record once their TTL passes.
type BoltStore struct {
	db   *bolt.DB
	opts Options
	cron *cron.Cron
	now  func() time.Time
}

func NewBoltStore(path string, opts Options) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open job store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{jobsBucket, activeBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &BoltStore{db: db, opts: opts.withDefaults(), now: time.Now}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.SweepEvery), func() {
		if n := s.Sweep(); n > 0 {
			log.Debug().Str("action", "jobstore.sweep").Int("evicted", n).Msg("swept expired jobs")
		}
	}); err != nil {
		db.Close()
		return nil, err
	}
	s.cron.Start()
	return s, nil
}

func (s *BoltStore) Create(job core.Job) error {
	now := s.now()
	job.CreatedAt = now
	job.ExpiresAt = now.Add(s.opts.TTL)
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		if s.opts.MaxJobs > 0 && jobs.Stats().KeyN >= s.opts.MaxJobs {
			return ErrStoreFull
		}
		if job.ConflictKey != "" && !job.Terminal() {
			if id := tx.Bucket(activeBucket).Get([]byte(job.ConflictKey)); id != nil {
				if buf := jobs.Get(id); buf != nil {
					var cur core.Job
					if err := msgpack.Unmarshal(buf, &cur); err != nil {
						return err
					}
					if !cur.Terminal() {
						return ErrDuplicateKey
					}
				}
			}
		}
		buf, err := msgpack.Marshal(&job)
		if err != nil {
			return err
		}
		if err := jobs.Put([]byte(job.ID), buf); err != nil {
			return err
		}
		if job.ConflictKey != "" && !job.Terminal() {
			return tx.Bucket(activeBucket).Put([]byte(job.ConflictKey), []byte(job.ID))
		}
		return nil
	})
}

func (s *BoltStore) Get(id string) (core.Job, error) {
	var job core.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(jobsBucket).Get([]byte(id))
		if buf == nil {
			return core.ErrNotFound
		}
		return msgpack.Unmarshal(buf, &job)
	})
	return job, err
}

func (s *BoltStore) SetTerminal(id string, status core.JobStatus, indexPath, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		buf := jobs.Get([]byte(id))
		if buf == nil {
			return core.ErrNotFound
		}
		var job core.Job
		if err := msgpack.Unmarshal(buf, &job); err != nil {
			return err
		}
		if job.Terminal() {
			return ErrAlreadyTerminal
		}
		job.Status = status
		job.IndexPath = indexPath
		job.ErrorMessage = errorMessage
		job.ExpiresAt = s.now().Add(s.opts.TTL)
		out, err := msgpack.Marshal(&job)
		if err != nil {
			return err
		}
		if err := jobs.Put([]byte(id), out); err != nil {
			return err
		}
		// Release the key only if this job still owns it.
		active := tx.Bucket(activeBucket)
		if job.ConflictKey != "" && string(active.Get([]byte(job.ConflictKey))) == id {
			return active.Delete([]byte(job.ConflictKey))
		}
		return nil
	})
}

func (s *BoltStore) ActiveByKey(key string) (core.Job, bool) {
	var job core.Job
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(activeBucket).Get([]byte(key))
		if id == nil {
			return nil
		}
		buf := tx.Bucket(jobsBucket).Get(id)
		if buf == nil {
			return nil
		}
		if err := msgpack.Unmarshal(buf, &job); err != nil {
			return err
		}
		found = true
		return nil
	})
	return job, found
}

func (s *BoltStore) Jobs() []core.Job {
	var out []core.Job
	s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, buf []byte) error {
			var job core.Job
			if err := msgpack.Unmarshal(buf, &job); err != nil {
				return err
			}
			out = append(out, job)
			return nil
		})
	})
	return out
}

func (s *BoltStore) Sweep() int {
	now := s.now()
	evicted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		active := tx.Bucket(activeBucket)
		cur := jobs.Cursor()
		for k, buf := cur.First(); k != nil; k, buf = cur.Next() {
			var job core.Job
			if err := msgpack.Unmarshal(buf, &job); err != nil {
				return err
			}
			if job.ExpiresAt.After(now) {
				continue
			}
			if !job.Terminal() && !s.opts.EvictRunning {
				continue
			}
			if err := cur.Delete(); err != nil {
				return err
			}
			// A later job may hold the same key by now; only the owner's
			// registration goes with the record.
			if job.ConflictKey != "" && string(active.Get([]byte(job.ConflictKey))) == job.ID {
				if err := active.Delete([]byte(job.ConflictKey)); err != nil {
					return err
				}
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("action", "jobstore.sweep").Msg("bolt sweep failed")
		return 0
	}
	return evicted
}

func (s *BoltStore) Close() error {
	s.cron.Stop()
	return s.db.Close()
}
