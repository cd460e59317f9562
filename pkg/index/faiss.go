package index

import (
	"context"
	"fmt"

	faiss "github.com/blevesearch/go-faiss"

	"github.com/sjy-dv/vforge/core"
)

// FaissEngine builds HNSW indexes with faiss on the CPU. GPU builds are not
// compiled into this engine; the adapter's fallback policy routes GPU
// preference here when no GPU engine is linked in.
type FaissEngine struct{}

func NewFaissEngine() *FaissEngine {
	return &FaissEngine{}
}

func (e *FaissEngine) Supports(device core.DeviceClass) bool {
	return device == core.DeviceCPU
}

func (e *FaissEngine) Build(ctx context.Context, ds *Dataset, params core.IndexParameters, device core.DeviceClass, outPath string) error {
	if device != core.DeviceCPU {
		return &DeviceError{Device: device, Err: fmt.Errorf("faiss engine built without gpu support")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	metric := faiss.MetricL2
	if params.SpaceType == core.SpaceInnerProduct {
		metric = faiss.MetricInnerProduct
	}
	desc := fmt.Sprintf("IDMap,HNSW%d", params.AlgorithmParameters.M)
	idx, err := faiss.IndexFactory(ds.Dimension, desc, metric)
	if err != nil {
		return fmt.Errorf("create index %q: %w", desc, err)
	}
	defer idx.Delete()

	ps, err := faiss.NewParameterSpace()
	if err != nil {
		return fmt.Errorf("create parameter space: %w", err)
	}
	defer ps.Delete()
	if err := ps.SetIndexParameter(idx, "efConstruction", float64(params.AlgorithmParameters.EfConstruction)); err != nil {
		return fmt.Errorf("set efConstruction: %w", err)
	}
	if err := ps.SetIndexParameter(idx, "efSearch", float64(params.AlgorithmParameters.EfSearch)); err != nil {
		return fmt.Errorf("set efSearch: %w", err)
	}

	if len(ds.DocIDs) > 0 {
		if err := idx.AddWithIDs(ds.Vectors, ds.DocIDs); err != nil {
			return fmt.Errorf("add %d vectors: %w", len(ds.DocIDs), err)
		}
	}

	if err := faiss.WriteIndex(idx, outPath); err != nil {
		return fmt.Errorf("write index artifact: %w", err)
	}
	return nil
}
