package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sjy-dv/vforge/core"
	"github.com/sjy-dv/vforge/jobstore"
	"github.com/sjy-dv/vforge/resource"
)

// Submitter dispatches an admitted job to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, job core.Job) error
}

// Controller validates an incoming build request, estimates its memory
// footprint, reserves capacity and either enqueues the job or rejects the
// request. A rejection leaks nothing: no job record, no reservation.
type Controller struct {
	store      jobstore.Store
	accountant *resource.Accountant
	submitter  Submitter
	keyFn      core.ConflictKeyFunc
	useGPU     bool
}

func NewController(store jobstore.Store, accountant *resource.Accountant, submitter Submitter, keyFn core.ConflictKeyFunc, useGPU bool) *Controller {
	if keyFn == nil {
		keyFn = core.DefaultConflictKey
	}
	return &Controller{
		store:      store,
		accountant: accountant,
		submitter:  submitter,
		keyFn:      keyFn,
		useGPU:     useGPU,
	}
}

// Admit runs the admission sequence and returns the created (or, for an
// idempotent resubmission, the existing) job.
func (c *Controller) Admit(ctx context.Context, req core.BuildRequest) (core.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return core.Job{}, err
	}

	key := c.keyFn(req)
	fingerprint := req.Fingerprint()
	// Fast path only; the authoritative duplicate check is the atomic one
	// inside store.Create, so racing admissions cannot both land.
	if existing, ok := c.store.ActiveByKey(key); ok {
		return c.resolveDuplicate(existing, req, fingerprint)
	}

	res := core.EstimateFootprint(req)
	if !c.useGPU {
		res.GPU = 0
	}
	if !c.accountant.TryReserveAll(res) {
		return core.Job{}, fmt.Errorf("%w: need gpu=%d cpu=%d bytes", core.ErrInsufficientResources, res.GPU, res.CPU)
	}

	job := core.Job{
		ID:          uuid.NewString(),
		ConflictKey: key,
		Fingerprint: fingerprint,
		Status:      core.JobRunning,
		Request:     req,
		Reserved:    res,
	}
	if err := c.store.Create(job); err != nil {
		c.accountant.ReleaseAll(res)
		switch {
		case errors.Is(err, jobstore.ErrDuplicateKey):
			// Lost a race with a concurrent admission for the same key.
			if existing, ok := c.store.ActiveByKey(key); ok {
				return c.resolveDuplicate(existing, req, fingerprint)
			}
			return core.Job{}, fmt.Errorf("%w: a concurrent build for %s won admission", core.ErrConflict, req.VectorPath)
		case errors.Is(err, jobstore.ErrStoreFull):
			return core.Job{}, fmt.Errorf("%w: %v", core.ErrInsufficientResources, err)
		}
		return core.Job{}, err
	}

	if err := c.submitter.Submit(ctx, job); err != nil {
		// The worker pool never saw the job, so the terminal write and the
		// release both happen here.
		if terr := c.store.SetTerminal(job.ID, core.JobFailed, "", fmt.Sprintf("dispatch failed: %v", err)); terr != nil {
			log.Error().Err(terr).Str("job_id", job.ID).Msg("failed to record dispatch failure")
		}
		c.accountant.ReleaseAll(res)
		return core.Job{}, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	log.Info().Str("job_id", job.ID).
		Uint64("gpu_reserved", res.GPU).Uint64("cpu_reserved", res.CPU).
		Str("vector_path", req.VectorPath).Msg("job admitted")
	return job, nil
}

// resolveDuplicate decides what a request sharing a live job's conflict key
// gets: the existing job when the requests are identical, Conflict otherwise.
func (c *Controller) resolveDuplicate(existing core.Job, req core.BuildRequest, fingerprint string) (core.Job, error) {
	if existing.Fingerprint == fingerprint {
		log.Info().Str("job_id", existing.ID).Msg("identical build already in flight, returning existing job")
		return existing, nil
	}
	return core.Job{}, fmt.Errorf("%w: a different build for %s is already in flight (job %s)",
		core.ErrConflict, req.VectorPath, existing.ID)
}
