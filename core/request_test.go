package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRequest() BuildRequest {
	return BuildRequest{
		RepositoryType: RepositoryS3,
		ContainerName:  "vectors",
		VectorPath:     "tenant-a/corpus.knnvec",
		DocIDPath:      "tenant-a/corpus.docids",
		TenantID:       "tenant-a",
		Dimension:      128,
		DocCount:       1000,
		DataType:       DataTypeFloat,
		Engine:         EngineFaiss,
		IndexParameters: IndexParameters{
			Algorithm:           AlgorithmHNSW,
			SpaceType:           SpaceL2,
			AlgorithmParameters: AlgorithmParameters{EfConstruction: 100, EfSearch: 100, M: 16},
		},
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	r := BuildRequest{
		ContainerName: "vectors",
		VectorPath:    "a/b.knnvec",
		DocIDPath:     "a/b.docids",
		Dimension:     8,
		DocCount:      10,
	}
	r.Normalize()

	assert.Equal(t, RepositoryS3, r.RepositoryType)
	assert.Equal(t, DataTypeFloat, r.DataType)
	assert.Equal(t, EngineFaiss, r.Engine)
	assert.Equal(t, AlgorithmHNSW, r.IndexParameters.Algorithm)
	assert.Equal(t, SpaceL2, r.IndexParameters.SpaceType)
	assert.Equal(t, AlgorithmParameters{EfConstruction: 100, EfSearch: 100, M: 16}, r.IndexParameters.AlgorithmParameters)
	require.NoError(t, r.Validate())
}

func TestNormalizeKeepsExplicitParameters(t *testing.T) {
	r := baseRequest()
	r.IndexParameters.AlgorithmParameters = AlgorithmParameters{EfConstruction: 64, EfSearch: 32, M: 8}
	r.Normalize()
	assert.Equal(t, 64, r.IndexParameters.AlgorithmParameters.EfConstruction)
	assert.Equal(t, 8, r.IndexParameters.AlgorithmParameters.M)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*BuildRequest)
		ok     bool
	}{
		{"valid", func(r *BuildRequest) {}, true},
		{"inner product space", func(r *BuildRequest) { r.IndexParameters.SpaceType = SpaceInnerProduct }, true},
		{"zero doc count", func(r *BuildRequest) { r.DocCount = 0 }, true},
		{"bad repository", func(r *BuildRequest) { r.RepositoryType = "gcs" }, false},
		{"no container", func(r *BuildRequest) { r.ContainerName = "" }, false},
		{"no vector path", func(r *BuildRequest) { r.VectorPath = "" }, false},
		{"wrong vector suffix", func(r *BuildRequest) { r.VectorPath = "a/b.bin" }, false},
		{"no doc id path", func(r *BuildRequest) { r.DocIDPath = "" }, false},
		{"zero dimension", func(r *BuildRequest) { r.Dimension = 0 }, false},
		{"negative doc count", func(r *BuildRequest) { r.DocCount = -1 }, false},
		{"bad data type", func(r *BuildRequest) { r.DataType = "byte" }, false},
		{"bad engine", func(r *BuildRequest) { r.Engine = "nmslib" }, false},
		{"bad algorithm", func(r *BuildRequest) { r.IndexParameters.Algorithm = "ivf" }, false},
		{"bad space", func(r *BuildRequest) { r.IndexParameters.SpaceType = "cosine" }, false},
		{"zero m", func(r *BuildRequest) { r.IndexParameters.AlgorithmParameters.M = 0 }, false},
		{"zero ef_search", func(r *BuildRequest) { r.IndexParameters.AlgorithmParameters.EfSearch = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := baseRequest()
			tc.mutate(&r)
			err := r.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}
}

func TestAlgorithmParametersUnmarshalExtra(t *testing.T) {
	var p AlgorithmParameters
	require.NoError(t, json.Unmarshal([]byte(`{"ef_construction":200,"pq_bits":8,"quantize":true}`), &p))

	assert.Equal(t, 200, p.EfConstruction)
	// omitted knobs keep their defaults
	assert.Equal(t, 100, p.EfSearch)
	assert.Equal(t, 16, p.M)
	assert.Equal(t, float64(8), p.Extra["pq_bits"])
	assert.Equal(t, true, p.Extra["quantize"])
}

func TestAlgorithmParametersUnmarshalBadValue(t *testing.T) {
	var p AlgorithmParameters
	err := json.Unmarshal([]byte(`{"m":"sixteen"}`), &p)
	assert.Error(t, err)
}

func TestDefaultConflictKey(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	// parameter changes do not move the key
	b.DocCount = 99
	b.IndexParameters.AlgorithmParameters.M = 32
	assert.Equal(t, DefaultConflictKey(a), DefaultConflictKey(b))

	c := baseRequest()
	c.TenantID = "tenant-b"
	assert.NotEqual(t, DefaultConflictKey(a), DefaultConflictKey(c))

	d := baseRequest()
	d.VectorPath = "tenant-a/other.knnvec"
	assert.NotEqual(t, DefaultConflictKey(a), DefaultConflictKey(d))
}

func TestFingerprintCoversParameters(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.IndexParameters.AlgorithmParameters.M = 32
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintCoversExtraParameters(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.IndexParameters.AlgorithmParameters.Extra = map[string]any{"pq_bits": float64(8)}

	// a request differing only in engine-specific extras is not the same build
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := baseRequest()
	c.IndexParameters.AlgorithmParameters.Extra = map[string]any{"pq_bits": float64(8)}
	assert.Equal(t, b.Fingerprint(), c.Fingerprint())
}
