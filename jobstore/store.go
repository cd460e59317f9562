package jobstore

import (
	"errors"
	"time"

	"github.com/sjy-dv/vforge/core"
)

var (
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrStoreFull       = errors.New("job store at capacity")
	ErrDuplicateKey    = errors.New("conflict key already held by a live job")
)

// Store holds job records keyed by id. All operations are safe under
// concurrent access from the admission controller, the executor workers and
// any number of status readers. The default backend is in-memory with TTL
// expiry; Bolt is the durable alternative behind the same contract.
type Store interface {
	// Create inserts a new RUNNING job. ErrStoreFull when at capacity.
	// The conflict-key check and the insert are one atomic operation:
	// ErrDuplicateKey when a non-terminal job already holds the key, so
	// two concurrent creates for the same key can never both land.
	Create(job core.Job) error
	// Get returns a copy of the record, or core.ErrNotFound for unknown
	// or already evicted ids.
	Get(id string) (core.Job, error)
	// SetTerminal moves a job to COMPLETED or FAILED together with its
	// payload field. A second terminal write is rejected with
	// ErrAlreadyTerminal and leaves the record untouched.
	SetTerminal(id string, status core.JobStatus, indexPath, errorMessage string) error
	// ActiveByKey returns the non-terminal job holding the given
	// conflict key, if any.
	ActiveByKey(key string) (core.Job, bool)
	// Jobs returns a snapshot of every record in the store.
	Jobs() []core.Job
	// Sweep removes expired records and reports how many were evicted.
	// It is also called on a background schedule.
	Sweep() int
	Close() error
}

// Options configures a store backend.
type Options struct {
	// TTL is how long a record lives. A terminal write refreshes the
	// record's expiry so pollers have a full TTL window to observe the
	// outcome.
	TTL time.Duration
	// SweepEvery is the background sweep cadence.
	SweepEvery time.Duration
	// EvictRunning gates whether the sweeper may evict a job that is
	// still RUNNING. Off by default: an in-flight build keeps its record
	// until it reaches a terminal state, however long it takes.
	EvictRunning bool
	// MaxJobs bounds the number of live records. Zero means unbounded.
	MaxJobs int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TTL <= 0 {
		out.TTL = 30 * time.Minute
	}
	if out.SweepEvery <= 0 {
		out.SweepEvery = 5 * time.Second
	}
	return out
}
