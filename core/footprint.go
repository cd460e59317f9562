package core

// EstimateFootprint computes the memory a build is expected to need, in
// bytes, per device class. The GPU share covers the graph built on device,
// the CPU share covers the converted CPU-compatible index plus the raw
// vectors held in memory during the build. The GPU figure is a rough
// estimate by nature; the 1.1 factor pads for bookkeeping overhead.
func EstimateFootprint(r BuildRequest) Reservation {
	entry := r.DataType.Size()
	dim := uint64(r.Dimension)
	n := uint64(r.DocCount)
	m := uint64(r.IndexParameters.AlgorithmParameters.M)

	vectorMem := dim * n * entry
	perVector := float64(dim*entry+m*8) * 1.1

	gpu := uint64(perVector * float64(n) * 0.5)
	cpu := uint64(perVector*float64(n)) + vectorMem

	return Reservation{GPU: gpu, CPU: cpu}
}
