package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/sjy-dv/vforge/core"
	"github.com/sjy-dv/vforge/pkg/index"
	"github.com/sjy-dv/vforge/pkg/transfer"
)

const (
	vectorBlobName = "vectors.knnvec"
	docIDBlobName  = "doc_ids.bin"
	artifactName   = "index.out"
	lockFileName   = "FLOCK"
)

// Pipeline runs the three build stages for one job: download both blobs
// into a job-scoped working area, build the index through the adapter,
// upload the artifact. It owns the working area and cleans it up on every
// path; releasing the job's memory reservation is the executor's job so it
// happens exactly once per terminal transition.
type Pipeline struct {
	transferrer *transfer.Transferrer
	adapter     *index.Adapter
	dataRoot    string
}

func New(transferrer *transfer.Transferrer, adapter *index.Adapter, dataRoot string) *Pipeline {
	return &Pipeline{transferrer: transferrer, adapter: adapter, dataRoot: dataRoot}
}

// Run executes the stages to completion and returns the remote path of the
// uploaded index. Any error is terminal for the job.
func (p *Pipeline) Run(ctx context.Context, job core.Job) (string, error) {
	req := job.Request

	workdir := filepath.Join(p.dataRoot, job.ID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", core.Transferf("create working area: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("working area cleanup failed")
		}
	}()

	// The lock is a guard against a second pipeline instance for the same
	// job id, which the executor already rules out; holding it makes the
	// at-most-one property hold even if dispatch is ever broken.
	fl := flock.New(filepath.Join(workdir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return "", core.Buildf("lock working area: %v", err)
	}
	if !locked {
		return "", core.Buildf("working area for job %s already locked", job.ID)
	}
	defer fl.Unlock()

	vectorLocal := filepath.Join(workdir, vectorBlobName)
	docIDLocal := filepath.Join(workdir, docIDBlobName)

	start := time.Now()
	if _, err := p.transferrer.Download(ctx, req.ContainerName, req.VectorPath, vectorLocal); err != nil {
		return "", core.Transferf("download vectors %s: %v", req.VectorPath, err)
	}
	if _, err := p.transferrer.Download(ctx, req.ContainerName, req.DocIDPath, docIDLocal); err != nil {
		return "", core.Transferf("download doc ids %s: %v", req.DocIDPath, err)
	}
	log.Debug().Str("job_id", job.ID).Dur("took", time.Since(start)).Msg("download stage complete")

	ds, err := index.LoadDataset(vectorLocal, docIDLocal, req.Dimension, req.DocCount, req.DataType)
	if err != nil {
		return "", core.Buildf("%v", err)
	}

	artifactLocal := filepath.Join(workdir, artifactName)
	preferred := preferredDevice(job.Reserved)
	start = time.Now()
	device, err := p.adapter.Build(ctx, ds, req.IndexParameters, preferred, artifactLocal)
	if err != nil {
		return "", err
	}
	ds.Free()
	log.Debug().Str("job_id", job.ID).Str("device", string(device)).
		Dur("took", time.Since(start)).Msg("build stage complete")

	remotePath := indexRemotePath(req)
	start = time.Now()
	if err := p.transferrer.Upload(ctx, req.ContainerName, artifactLocal, remotePath); err != nil {
		return "", core.Transferf("upload index %s: %v", remotePath, err)
	}
	log.Debug().Str("job_id", job.ID).Str("index_path", remotePath).
		Dur("took", time.Since(start)).Msg("upload stage complete")

	return remotePath, nil
}

func preferredDevice(res core.Reservation) core.DeviceClass {
	if res.GPU > 0 {
		return core.DeviceGPU
	}
	return core.DeviceCPU
}

// indexRemotePath places the artifact next to the vector blob, swapping the
// extension for the engine name.
func indexRemotePath(req core.BuildRequest) string {
	root := strings.TrimSuffix(req.VectorPath, filepath.Ext(req.VectorPath))
	return fmt.Sprintf("%s.%s", root, req.Engine)
}
