package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

type RepositoryType string

const (
	RepositoryS3 RepositoryType = "s3"
)

type DataType string

const (
	DataTypeFloat DataType = "float"
)

// Size returns the width of a single vector entry in bytes.
func (d DataType) Size() uint64 {
	switch d {
	case DataTypeFloat:
		return 4
	}
	return 0
}

type SpaceType string

const (
	SpaceL2           SpaceType = "l2"
	SpaceInnerProduct SpaceType = "innerproduct"
)

type Algorithm string

const (
	AlgorithmHNSW Algorithm = "hnsw"
)

type Engine string

const (
	EngineFaiss Engine = "faiss"
)

const vectorPathSuffix = ".knnvec"

// AlgorithmParameters carries the tuning knobs of the chosen algorithm.
// Unknown keys are kept in Extra so engine-specific parameters pass through
// without the core having to know about them.
type AlgorithmParameters struct {
	EfConstruction int            `json:"ef_construction" msgpack:"ef_construction"`
	EfSearch       int            `json:"ef_search" msgpack:"ef_search"`
	M              int            `json:"m" msgpack:"m"`
	Extra          map[string]any `json:"-" msgpack:"extra,omitempty"`
}

func defaultAlgorithmParameters() AlgorithmParameters {
	return AlgorithmParameters{EfConstruction: 100, EfSearch: 100, M: 16}
}

func (p *AlgorithmParameters) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = defaultAlgorithmParameters()
	known := map[string]*int{
		"ef_construction": &p.EfConstruction,
		"ef_search":       &p.EfSearch,
		"m":               &p.M,
	}
	for key, val := range raw {
		if dst, ok := known[key]; ok {
			if err := json.Unmarshal(val, dst); err != nil {
				return fmt.Errorf("algorithm parameter %q: %w", key, err)
			}
			continue
		}
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			return fmt.Errorf("algorithm parameter %q: %w", key, err)
		}
		if p.Extra == nil {
			p.Extra = map[string]any{}
		}
		p.Extra[key] = v
	}
	return nil
}

type IndexParameters struct {
	Algorithm           Algorithm           `json:"algorithm" msgpack:"algorithm"`
	SpaceType           SpaceType           `json:"space_type" msgpack:"space_type"`
	AlgorithmParameters AlgorithmParameters `json:"algorithm_parameters" msgpack:"algorithm_parameters"`
}

// BuildRequest is the immutable input of one index build job.
type BuildRequest struct {
	RepositoryType  RepositoryType  `json:"repository_type" msgpack:"repository_type"`
	ContainerName   string          `json:"container_name" msgpack:"container_name"`
	VectorPath      string          `json:"vector_path" msgpack:"vector_path"`
	DocIDPath       string          `json:"doc_id_path" msgpack:"doc_id_path"`
	TenantID        string          `json:"tenant_id" msgpack:"tenant_id"`
	Dimension       int             `json:"dimension" msgpack:"dimension"`
	DocCount        int             `json:"doc_count" msgpack:"doc_count"`
	DataType        DataType        `json:"data_type" msgpack:"data_type"`
	Engine          Engine          `json:"engine" msgpack:"engine"`
	IndexParameters IndexParameters `json:"index_parameters" msgpack:"index_parameters"`
}

// Normalize fills the defaulted fields of a request decoded from the wire.
func (r *BuildRequest) Normalize() {
	if r.RepositoryType == "" {
		r.RepositoryType = RepositoryS3
	}
	if r.DataType == "" {
		r.DataType = DataTypeFloat
	}
	if r.Engine == "" {
		r.Engine = EngineFaiss
	}
	if r.IndexParameters.Algorithm == "" {
		r.IndexParameters.Algorithm = AlgorithmHNSW
	}
	if r.IndexParameters.SpaceType == "" {
		r.IndexParameters.SpaceType = SpaceL2
	}
	p := &r.IndexParameters.AlgorithmParameters
	if p.EfConstruction == 0 && p.EfSearch == 0 && p.M == 0 {
		*p = defaultAlgorithmParameters()
	}
}

// Validate rejects structurally broken requests before any resource is
// touched. Every failure wraps ErrInvalidRequest.
func (r *BuildRequest) Validate() error {
	if r.RepositoryType != RepositoryS3 {
		return Invalidf("unsupported repository type %q", r.RepositoryType)
	}
	if r.ContainerName == "" {
		return Invalidf("container_name is required")
	}
	if r.VectorPath == "" {
		return Invalidf("vector_path is required")
	}
	if !strings.HasSuffix(r.VectorPath, vectorPathSuffix) {
		return Invalidf("vector_path must end with %s", vectorPathSuffix)
	}
	if r.DocIDPath == "" {
		return Invalidf("doc_id_path is required")
	}
	if r.Dimension <= 0 {
		return Invalidf("dimension must be positive, got %d", r.Dimension)
	}
	if r.DocCount < 0 {
		return Invalidf("doc_count must be non-negative, got %d", r.DocCount)
	}
	if r.DataType != DataTypeFloat {
		return Invalidf("unsupported data_type %q", r.DataType)
	}
	if r.Engine != EngineFaiss {
		return Invalidf("unsupported engine %q", r.Engine)
	}
	if r.IndexParameters.Algorithm != AlgorithmHNSW {
		return Invalidf("unsupported algorithm %q", r.IndexParameters.Algorithm)
	}
	switch r.IndexParameters.SpaceType {
	case SpaceL2, SpaceInnerProduct:
	default:
		return Invalidf("unsupported space_type %q", r.IndexParameters.SpaceType)
	}
	p := r.IndexParameters.AlgorithmParameters
	if p.M <= 0 || p.EfConstruction <= 0 || p.EfSearch <= 0 {
		return Invalidf("hnsw parameters must be positive (m=%d ef_construction=%d ef_search=%d)",
			p.M, p.EfConstruction, p.EfSearch)
	}
	return nil
}

// ConflictKeyFunc derives the key used to detect duplicate in-flight builds.
// The default keys on the target blob and tenant, not the full request, so
// two requests racing to build the same index collide even when their
// tuning parameters differ.
type ConflictKeyFunc func(BuildRequest) string

func DefaultConflictKey(r BuildRequest) string {
	sum := sha256.Sum256([]byte(r.VectorPath + "-" + r.TenantID))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is a digest of every request field that affects the built
// artifact, used to tell an idempotent resubmission apart from a true
// conflict on the same conflict key. Extra parameters are hashed in
// explicitly since they are excluded from the struct's JSON encoding.
func (r BuildRequest) Fingerprint() string {
	h := sha256.New()
	buf, _ := json.Marshal(r)
	h.Write(buf)
	if extra := r.IndexParameters.AlgorithmParameters.Extra; len(extra) > 0 {
		// json.Marshal sorts map keys, so equal Extra maps hash equal.
		buf, _ = json.Marshal(extra)
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
