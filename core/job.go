package core

import "time"

type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING_INDEX_BUILD"
	JobFailed    JobStatus = "FAILED_INDEX_BUILD"
	JobCompleted JobStatus = "COMPLETED_INDEX_BUILD"
)

func (s JobStatus) Terminal() bool {
	return s == JobFailed || s == JobCompleted
}

type DeviceClass string

const (
	DeviceGPU DeviceClass = "gpu"
	DeviceCPU DeviceClass = "cpu"
)

// Reservation is the memory footprint held for one job, in bytes per device
// class. A zero amount means nothing is held on that class.
type Reservation struct {
	GPU uint64 `msgpack:"gpu"`
	CPU uint64 `msgpack:"cpu"`
}

// Job is the unit of work tracked by the job store. Once Status is terminal
// the record never changes again.
type Job struct {
	ID           string       `msgpack:"id"`
	ConflictKey  string       `msgpack:"conflict_key"`
	Fingerprint  string       `msgpack:"fingerprint"`
	Status       JobStatus    `msgpack:"status"`
	Request      BuildRequest `msgpack:"request"`
	IndexPath    string       `msgpack:"index_path"`
	ErrorMessage string       `msgpack:"error_message"`
	Reserved     Reservation  `msgpack:"reserved"`
	CreatedAt    time.Time    `msgpack:"created_at"`
	ExpiresAt    time.Time    `msgpack:"expires_at"`
}

func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}
