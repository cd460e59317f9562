package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/sjy-dv/vforge/core"
)

// Dataset is the parsed in-memory form of the downloaded blobs: row-major
// fp32 vectors and their document ids.
type Dataset struct {
	Dimension int
	Vectors   []float32
	DocIDs    []int64
}

// LoadDataset reads and validates the vector and doc-id blobs. The vector
// blob must hold exactly docCount little-endian fp32 vectors of the given
// dimension, the doc-id blob exactly docCount little-endian int32 ids.
func LoadDataset(vectorPath, docIDPath string, dimension, docCount int, dataType core.DataType) (*Dataset, error) {
	entry := int(dataType.Size())
	if entry == 0 {
		return nil, fmt.Errorf("unsupported data type %q", dataType)
	}

	vecBytes, err := os.ReadFile(vectorPath)
	if err != nil {
		return nil, fmt.Errorf("read vector blob: %w", err)
	}
	wantVec := docCount * dimension * entry
	if len(vecBytes) != wantVec {
		return nil, fmt.Errorf("vector blob size %d does not match doc_count=%d dimension=%d (want %d bytes)",
			len(vecBytes), docCount, dimension, wantVec)
	}

	idBytes, err := os.ReadFile(docIDPath)
	if err != nil {
		return nil, fmt.Errorf("read doc id blob: %w", err)
	}
	wantIDs := docCount * 4
	if len(idBytes) != wantIDs {
		return nil, fmt.Errorf("doc id blob size %d does not match doc_count=%d (want %d bytes)",
			len(idBytes), docCount, wantIDs)
	}

	vectors := make([]float32, docCount*dimension)
	for i := range vectors {
		bits := binary.LittleEndian.Uint32(vecBytes[i*4:])
		vectors[i] = math.Float32frombits(bits)
	}
	docIDs := make([]int64, docCount)
	for i := range docIDs {
		docIDs[i] = int64(int32(binary.LittleEndian.Uint32(idBytes[i*4:])))
	}

	return &Dataset{Dimension: dimension, Vectors: vectors, DocIDs: docIDs}, nil
}

// Free drops the blob references so the backing arrays can be collected
// while the built index is still being uploaded.
func (d *Dataset) Free() {
	d.Vectors = nil
	d.DocIDs = nil
}
