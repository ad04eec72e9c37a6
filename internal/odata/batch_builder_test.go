package odata

import (
	"strings"
	"testing"

	"github.com/norpie/dynops/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCreateWithRefsBatch is scenario S3 from spec §8.
func TestCreateWithRefsBatch(t *testing.T) {
	ops := Operations{
		Create{EntitySet: "parents", Data: map[string]interface{}{"name": "p"}},
		CreateWithRefs{EntitySet: "children", Data: map[string]interface{}{"name": "c"}, ContentIDRefs: map[string]string{"parentid": "$1"}},
	}
	batch, err := BuildBatch(ops, "https://h")
	require.NoError(t, err)

	body := string(batch.Body)
	assert.Contains(t, body, `"parentid@odata.bind":"$1"`)
	assert.Contains(t, body, "Content-ID: 1")
	assert.Contains(t, body, "Content-ID: 2")
	assert.True(t, strings.HasPrefix(batch.ContentType(), "multipart/mixed; boundary=batch_"))
}

// TestCreateWithRefsRejectsForwardReference is the second half of S3: a
// ref-first ordering must fail the builder, never reach the network.
func TestCreateWithRefsRejectsForwardReference(t *testing.T) {
	ops := Operations{
		CreateWithRefs{EntitySet: "children", Data: map[string]interface{}{"name": "c"}, ContentIDRefs: map[string]string{"parentid": "$2"}},
		Create{EntitySet: "parents", Data: map[string]interface{}{"name": "p"}},
	}
	_, err := BuildBatch(ops, "https://h")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidReference)
}

func TestSelfReferenceRejected(t *testing.T) {
	ops := Operations{
		CreateWithRefs{EntitySet: "children", Data: map[string]interface{}{}, ContentIDRefs: map[string]string{"parentid": "$1"}},
	}
	_, err := BuildBatch(ops, "https://h")
	require.Error(t, err)
}

func TestMalformedReferenceRejected(t *testing.T) {
	ops := Operations{
		Create{EntitySet: "parents", Data: map[string]interface{}{}},
		CreateWithRefs{EntitySet: "children", Data: map[string]interface{}{}, ContentIDRefs: map[string]string{"parentid": "not-a-ref"}},
	}
	_, err := BuildBatch(ops, "https://h")
	require.Error(t, err)
}

func TestEmptyOperationsProducesEmptyBatch(t *testing.T) {
	batch, err := BuildBatch(Operations{}, "https://h")
	require.NoError(t, err)
	assert.Empty(t, batch.Body)
}

func TestBatchEnvelopeShape(t *testing.T) {
	ops := Operations{Create{EntitySet: "contacts", Data: map[string]interface{}{"name": "a"}}}
	batch, err := BuildBatch(ops, "https://h")
	require.NoError(t, err)
	body := string(batch.Body)
	assert.Contains(t, body, "Content-Type: application/http\r\n")
	assert.Contains(t, body, "Content-Transfer-Encoding: binary\r\n")
	assert.Contains(t, body, "POST /contacts HTTP/1.1\r\n")
	assert.True(t, strings.HasSuffix(body, "--\r\n"))
}
