package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/sjy-dv/vforge/core"
)

// Engine is the external index-construction capability: build an index of
// the requested shape from a dataset on a given device, writing the artifact
// to outPath. Implementations must release any device-side resources before
// returning, success or failure.
type Engine interface {
	Supports(device core.DeviceClass) bool
	Build(ctx context.Context, ds *Dataset, params core.IndexParameters, device core.DeviceClass, outPath string) error
}

// DeviceError marks a failure of the device itself (unavailable, out of
// device memory, driver fault) as opposed to a data or parameter error.
// Only device failures are eligible for CPU fallback.
type DeviceError struct {
	Device core.DeviceClass
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
