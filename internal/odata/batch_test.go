package odata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildV2Multipart(t *testing.T) {
	builder := NewBatchBuilder(DialectV2).
		AddGet("Orders('1')", nil).
		AddPost("Orders", map[string]any{"Total": 10}, map[string]string{"If-Match": "*"}).
		AddDelete("Orders('2')", nil)
	require.Equal(t, 3, builder.Len())

	req, err := builder.Build()
	require.NoError(t, err)
	require.NotEmpty(t, req.Boundary)
	assert.True(t, strings.HasPrefix(req.Boundary, "batch_"))
	assert.Equal(t, "multipart/mixed; boundary="+req.Boundary, req.Headers["Content-Type"])

	body := string(req.Body)
	assert.Equal(t, 3, strings.Count(body, "--"+req.Boundary+"\r\n"), "one marker per operation")
	assert.True(t, strings.HasSuffix(body, "--"+req.Boundary+"--\r\n"), "terminator closes the payload")
	assert.Contains(t, body, "GET Orders('1') HTTP/1.1")
	assert.Contains(t, body, "POST Orders HTTP/1.1")
	assert.Contains(t, body, "If-Match: *")
	assert.Contains(t, body, `{"Total":10}`)
	assert.Contains(t, body, "Content-Length: 12")
}

func TestBuildV4JSONEnvelope(t *testing.T) {
	req, err := NewBatchBuilder(DialectV4).
		AddGet("Orders", nil).
		AddPatch("Orders('1')", map[string]any{"Total": 20}, nil).
		Build()
	require.NoError(t, err)

	assert.Empty(t, req.Boundary)
	body := string(req.Body)
	assert.Contains(t, body, `"id":"1"`)
	assert.Contains(t, body, `"id":"2"`)
	assert.Contains(t, body, `"method":"GET"`)
	assert.Contains(t, body, `"method":"PATCH"`)
	assert.Contains(t, body, `"url":"Orders('1')"`)
}

func TestBuildEmptyBatchFails(t *testing.T) {
	_, err := NewBatchBuilder(DialectV2).Build()
	require.Error(t, err)
}

func TestParseBatchV2(t *testing.T) {
	body := strings.Join([]string{
		"--B",
		"Content-Type: application/http",
		"",
		"HTTP/1.1 201 Created",
		"Content-Type: application/json",
		"",
		`{"d":{"OrderId":"100"}}`,
		"--B",
		"Content-Type: application/http",
		"",
		"HTTP/1.1 204 No Content",
		"",
		"--B",
		"Content-Type: application/http",
		"",
		"no status line here",
		"--B--",
		"",
	}, "\r\n")

	responses := ParseBatchV2(body, "B")
	require.Len(t, responses, 2, "statusless part and terminator are not results")

	assert.Equal(t, 201, responses[0].StatusCode)
	payload, ok := responses[0].Body.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, payload, "d")

	assert.Equal(t, 204, responses[1].StatusCode)
	assert.Nil(t, responses[1].Body, "204 sub-response yields a nil body")
}

func TestParseBatchV2NonJSONBodyKeptAsText(t *testing.T) {
	body := strings.Join([]string{
		"--B",
		"",
		"HTTP/1.1 500 Internal Server Error",
		"Content-Type: text/plain",
		"",
		"something broke",
		"--B--",
		"",
	}, "\r\n")

	responses := ParseBatchV2(body, "B")
	require.Len(t, responses, 1)
	assert.Equal(t, 500, responses[0].StatusCode)
	assert.Equal(t, "something broke", responses[0].Body)
}

func TestParseBatchV4(t *testing.T) {
	body := []byte(`{"responses":[
		{"id":"1","status":200,"body":{"value":[]}},
		{"id":"2","status":204,"body":{"ignored":true}},
		{"id":"3","status":400,"body":{"error":"bad"}}
	]}`)

	responses, err := ParseBatchV4(body)
	require.NoError(t, err)
	require.Len(t, responses, 3)

	assert.Equal(t, "1", responses[0].ID)
	assert.Equal(t, 200, responses[0].StatusCode)
	assert.Nil(t, responses[1].Body, "204 clears the body")
	assert.Equal(t, 400, responses[2].StatusCode)

	_, err = ParseBatchV4([]byte("not json"))
	require.Error(t, err)
}
