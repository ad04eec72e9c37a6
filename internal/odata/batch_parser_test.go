package odata

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseChangesetResponse is scenario S1 from spec §8.
func TestParseChangesetResponse(t *testing.T) {
	raw := "--batchresponse_AAA\n" +
		"Content-Type: multipart/mixed; boundary=changesetresponse_BBB\n\n" +
		"--changesetresponse_BBB\n" +
		"Content-Type: application/http\n" +
		"Content-Transfer-Encoding: binary\n" +
		"Content-ID: 1\n\n" +
		"HTTP/1.1 204 No Content\n" +
		"OData-EntityId: https://h/api/data/v9.2/contacts(11111111-1111-1111-1111-111111111111)\n\n" +
		"--changesetresponse_BBB--\n" +
		"--batchresponse_AAA--\n"

	ops := Operations{Create{EntitySet: "contacts", Data: map[string]interface{}{}}}
	results, err := ParseBatchResponse([]byte(raw), "multipart/mixed; boundary=batchresponse_AAA", ops)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, 204, r.StatusCode)
	assert.True(t, r.Success)
	assert.Contains(t, r.Headers["OData-EntityId"], "11111111-1111-1111-1111-111111111111")
	assert.Empty(t, r.Body)
}

// TestDynamicsErrorSurface is scenario S2 from spec §8, applied through
// ResultFromHTTP (the same path a single non-batch call takes).
func TestDynamicsErrorSurface(t *testing.T) {
	body := []byte(`{"error":{"code":"0x80060888","message":"Bad Request"}}`)
	r := ResultFromHTTP(Create{EntitySet: "contacts"}, 400, nil, body)
	assert.False(t, r.Success)
	assert.Equal(t, "Dynamics 365 Error [0x80060888]: Bad Request", r.Error)
}

func TestErrorSurfaceTopLevelMessage(t *testing.T) {
	body := []byte(`{"Message":"plugin threw an exception"}`)
	r := ResultFromHTTP(Create{EntitySet: "contacts"}, 500, nil, body)
	assert.Equal(t, "plugin threw an exception", r.Error)
}

func TestErrorSurfaceFallsBackToRawBody(t *testing.T) {
	body := []byte("not json")
	r := ResultFromHTTP(Create{EntitySet: "contacts"}, 500, nil, body)
	assert.Equal(t, "not json", r.Error)
}

func TestErrorSurfaceFallsBackToStatus(t *testing.T) {
	r := ResultFromHTTP(Create{EntitySet: "contacts"}, 503, nil, nil)
	assert.Equal(t, "HTTP 503", r.Error)
}

// TestBatchRoundTripLengthAndOrder is spec §8 property 3: parsed results
// have the same length as the submitted bundle, and each result is matched
// to the operation whose 1-based index equals its Content-ID.
func TestBatchRoundTripLengthAndOrder(t *testing.T) {
	ops := Operations{
		Create{EntitySet: "a"},
		Create{EntitySet: "b"},
		Create{EntitySet: "c"},
	}
	var raw string
	raw += "--batchresponse_X\n"
	raw += "Content-Type: multipart/mixed; boundary=changesetresponse_Y\n\n"
	for i := 1; i <= 3; i++ {
		raw += "--changesetresponse_Y\n"
		raw += "Content-Type: application/http\n"
		raw += "Content-Transfer-Encoding: binary\n"
		raw += "Content-ID: " + strconv.Itoa(i) + "\n\n"
		raw += "HTTP/1.1 204 No Content\n\n"
	}
	raw += "--changesetresponse_Y--\n--batchresponse_X--\n"

	results, err := ParseBatchResponse([]byte(raw), "", ops)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, ops[i], r.Operation)
	}
}

// TestCRLFLineEndings verifies the parser accepts CRLF as well as LF
// (spec §4.6 edge cases).
func TestCRLFLineEndings(t *testing.T) {
	raw := "--batchresponse_AAA\r\n" +
		"Content-Type: multipart/mixed; boundary=changesetresponse_BBB\r\n\r\n" +
		"--changesetresponse_BBB\r\n" +
		"Content-Type: application/http\r\n" +
		"Content-ID: 1\r\n\r\n" +
		"HTTP/1.1 200 OK\r\n\r\n" +
		"--changesetresponse_BBB--\r\n--batchresponse_AAA--\r\n"

	ops := Operations{Create{EntitySet: "contacts"}}
	results, err := ParseBatchResponse([]byte(raw), "", ops)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}
