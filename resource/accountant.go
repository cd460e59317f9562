package resource

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sjy-dv/vforge/core"
)

type pool struct {
	total    uint64
	reserved uint64
}

// Accountant tracks in-use versus available memory per device class. One
// instance per process; the admission controller reserves against it and the
// executor releases on the terminal transition. Reserved never exceeds total
// and release clamps at zero, so a double release cannot corrupt capacity.
type Accountant struct {
	mu    sync.Mutex
	pools map[core.DeviceClass]*pool
}

func NewAccountant(gpuLimit, cpuLimit uint64) *Accountant {
	return &Accountant{
		pools: map[core.DeviceClass]*pool{
			core.DeviceGPU: {total: gpuLimit},
			core.DeviceCPU: {total: cpuLimit},
		},
	}
}

// TryReserve atomically checks reserved+amount against the pool total and
// commits on success. A false return has no side effects; callers treat it
// as an immediate decision, never a wait.
func (a *Accountant) TryReserve(class core.DeviceClass, amount uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[class]
	if !ok {
		return false
	}
	if p.reserved+amount > p.total {
		return false
	}
	p.reserved += amount
	return true
}

func (a *Accountant) Release(class core.DeviceClass, amount uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[class]
	if !ok {
		return
	}
	if amount > p.reserved {
		log.Warn().Str("device", string(class)).
			Uint64("amount", amount).Uint64("reserved", p.reserved).
			Msg("release exceeds reserved, clamping to zero")
		p.reserved = 0
		return
	}
	p.reserved -= amount
}

func (a *Accountant) Available(class core.DeviceClass) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[class]
	if !ok {
		return 0
	}
	return p.total - p.reserved
}

// TryReserveAll reserves the GPU and CPU shares of a job footprint as one
// decision, rolling back the GPU hold if the CPU pool cannot take its share.
func (a *Accountant) TryReserveAll(res core.Reservation) bool {
	if res.GPU > 0 && !a.TryReserve(core.DeviceGPU, res.GPU) {
		return false
	}
	if res.CPU > 0 && !a.TryReserve(core.DeviceCPU, res.CPU) {
		if res.GPU > 0 {
			a.Release(core.DeviceGPU, res.GPU)
		}
		return false
	}
	return true
}

func (a *Accountant) ReleaseAll(res core.Reservation) {
	if res.GPU > 0 {
		a.Release(core.DeviceGPU, res.GPU)
	}
	if res.CPU > 0 {
		a.Release(core.DeviceCPU, res.CPU)
	}
}
