package store

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
)

func TestPointToRecordReadsPayload(t *testing.T) {
	payload := qdrant.NewValueMap(map[string]any{
		"content":      "torque spec for the M6 fastener",
		"document_id":  "d1",
		"source_name":  "manual.pdf",
		"page":         int64(4),
		"chunk_index":  int64(7),
		"image_number": int64(0),
		"token_count":  int64(9),
		"content_type": ContentTypeText,
	})

	rec := pointToRecord(qdrant.NewID("c7"), payload)
	assert.Equal(t, "c7", rec.ID)
	assert.Equal(t, "d1", rec.DocumentID)
	assert.Equal(t, "manual.pdf", rec.SourceName)
	assert.Equal(t, 4, rec.Page)
	assert.Equal(t, 7, rec.ChunkIndex)
	assert.Equal(t, 9, rec.TokenCount)
	assert.Equal(t, ContentTypeText, rec.ContentType)
}

// Search results must carry their stored vectors so candidate
// diversification can compare hits against each other.
func TestDenseVectorUnwrapsSearchHit(t *testing.T) {
	out := &qdrant.VectorsOutput{
		VectorsOptions: &qdrant.VectorsOutput_Vector{
			Vector: &qdrant.VectorOutput{
				Vector: &qdrant.VectorOutput_Dense{
					Dense: &qdrant.DenseVector{Data: []float32{0.25, 0.5, 0.75}},
				},
			},
		},
	}
	assert.Equal(t, []float32{0.25, 0.5, 0.75}, denseVector(out))

	assert.Nil(t, denseVector(nil))
	assert.Nil(t, denseVector(&qdrant.VectorsOutput{}))
}
