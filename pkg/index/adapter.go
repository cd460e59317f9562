package index

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sjy-dv/vforge/core"
)

// Adapter fronts the engine with the device policy: attempt the preferred
// device and, when the failure is a device failure rather than a data error,
// fall back to CPU if allowed. Partial artifacts from a failed attempt are
// removed before the next attempt or before returning.
type Adapter struct {
	engine        Engine
	allowFallback bool
}

func NewAdapter(engine Engine, allowFallback bool) *Adapter {
	return &Adapter{engine: engine, allowFallback: allowFallback}
}

// Build runs the engine and returns the device the index was actually built
// on. Errors wrap core.ErrBuild.
func (a *Adapter) Build(ctx context.Context, ds *Dataset, params core.IndexParameters, preferred core.DeviceClass, outPath string) (core.DeviceClass, error) {
	devices := []core.DeviceClass{preferred}
	if preferred == core.DeviceGPU && a.allowFallback {
		devices = append(devices, core.DeviceCPU)
	}

	var lastErr error
	for i, device := range devices {
		last := i == len(devices)-1
		if !a.engine.Supports(device) {
			lastErr = core.Buildf("engine does not support device %s", device)
			if !last {
				log.Warn().Str("device", string(device)).Msg("engine lacks device support, falling back")
				continue
			}
			return device, lastErr
		}
		err := a.engine.Build(ctx, ds, params, device, outPath)
		if err == nil {
			return device, nil
		}
		removeArtifact(outPath)
		if IsDeviceError(err) && !last {
			log.Warn().Err(err).Str("device", string(device)).Msg("device failure, falling back")
			lastErr = err
			continue
		}
		return device, core.Buildf("%v", err)
	}
	return devices[len(devices)-1], core.Buildf("%v", lastErr)
}

func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("partial artifact cleanup failed")
	}
}
