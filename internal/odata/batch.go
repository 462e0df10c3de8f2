package odata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
)

// BatchBuilder assembles a multi-operation batch request. v2 produces a
// multipart/mixed body with application/http subparts; v4 produces the
// JSON requests envelope.
type BatchBuilder struct {
	dialect Dialect
	ops     []batchOp
}

type batchOp struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

// BatchRequest is the assembled wire payload.
type BatchRequest struct {
	Headers  map[string]string
	Body     []byte
	Boundary string
}

// BatchResponse is one demultiplexed sub-response.
type BatchResponse struct {
	ID         string
	StatusCode int
	Headers    map[string]string
	Body       any // decoded JSON when possible, raw text otherwise, nil on 204
}

func NewBatchBuilder(dialect Dialect) *BatchBuilder {
	return &BatchBuilder{dialect: dialect}
}

func (b *BatchBuilder) AddGet(path string, headers map[string]string) *BatchBuilder {
	b.ops = append(b.ops, batchOp{method: http.MethodGet, path: path, headers: headers})
	return b
}

func (b *BatchBuilder) AddPost(path string, body any, headers map[string]string) *BatchBuilder {
	b.ops = append(b.ops, batchOp{method: http.MethodPost, path: path, headers: headers, body: body})
	return b
}

func (b *BatchBuilder) AddPatch(path string, body any, headers map[string]string) *BatchBuilder {
	b.ops = append(b.ops, batchOp{method: http.MethodPatch, path: path, headers: headers, body: body})
	return b
}

func (b *BatchBuilder) AddDelete(path string, headers map[string]string) *BatchBuilder {
	b.ops = append(b.ops, batchOp{method: http.MethodDelete, path: path, headers: headers})
	return b
}

func (b *BatchBuilder) Len() int { return len(b.ops) }

func (b *BatchBuilder) Build() (*BatchRequest, error) {
	if len(b.ops) == 0 {
		return nil, fabricerr.New(fabricerr.KindConfiguration, "batch has no operations")
	}
	if b.dialect == DialectV4 {
		return b.buildV4()
	}
	return b.buildV2()
}

// buildV2 writes the multipart/mixed payload by hand; each part is an
// application/http subpart carrying the HTTP request line, operation
// headers, and Content-Length-framed JSON body, closed by the --boundary--
// terminator.
func (b *BatchBuilder) buildV2() (*BatchRequest, error) {
	boundary := "batch_" + uuid.NewString()
	var sb strings.Builder

	for _, op := range b.ops {
		sb.WriteString("--" + boundary + "\r\n")
		sb.WriteString("Content-Type: application/http\r\n")
		sb.WriteString("Content-Transfer-Encoding: binary\r\n")
		sb.WriteString("\r\n")
		sb.WriteString(fmt.Sprintf("%s %s HTTP/1.1\r\n", op.method, op.path))
		for k, v := range op.headers {
			sb.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
		}

		if op.body != nil {
			payload, err := json.Marshal(op.body)
			if err != nil {
				return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "marshal batch operation body")
			}
			sb.WriteString("Content-Type: application/json\r\n")
			sb.WriteString(fmt.Sprintf("Content-Length: %d\r\n", len(payload)))
			sb.WriteString("\r\n")
			sb.Write(payload)
			sb.WriteString("\r\n")
		} else {
			sb.WriteString("\r\n")
		}
	}
	sb.WriteString("--" + boundary + "--\r\n")

	return &BatchRequest{
		Headers:  map[string]string{"Content-Type": "multipart/mixed; boundary=" + boundary},
		Body:     []byte(sb.String()),
		Boundary: boundary,
	}, nil
}

func (b *BatchBuilder) buildV4() (*BatchRequest, error) {
	type v4Request struct {
		ID      string            `json:"id"`
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    any               `json:"body,omitempty"`
	}

	requests := make([]v4Request, 0, len(b.ops))
	for i, op := range b.ops {
		requests = append(requests, v4Request{
			ID:      strconv.Itoa(i + 1),
			Method:  op.method,
			URL:     op.path,
			Headers: op.headers,
			Body:    op.body,
		})
	}

	payload, err := json.Marshal(map[string]any{"requests": requests})
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "marshal batch envelope")
	}
	return &BatchRequest{
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    payload,
	}, nil
}

var statusLineRe = regexp.MustCompile(`HTTP/\d\.\d\s+(\d{3})`)

// ParseBatchV2 demultiplexes a multipart batch response. The terminator
// line is not a result; parts without an HTTP status line are skipped; a
// 204 sub-response yields a nil body.
func ParseBatchV2(body string, boundary string) []BatchResponse {
	parts := strings.Split(body, "--"+boundary)
	var responses []BatchResponse

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part == "--" {
			continue
		}

		match := statusLineRe.FindStringSubmatch(part)
		if match == nil {
			continue
		}
		status, _ := strconv.Atoi(match[1])

		responses = append(responses, BatchResponse{
			ID:         strconv.Itoa(len(responses) + 1),
			StatusCode: status,
			Body:       parseBatchPartBody(part, status),
		})
	}
	return responses
}

// parseBatchPartBody takes everything after the first blank line following
// the status line, decoded as JSON when possible.
func parseBatchPartBody(part string, status int) any {
	if status == http.StatusNoContent {
		return nil
	}

	loc := statusLineRe.FindStringIndex(part)
	rest := part[loc[1]:]

	idx := strings.Index(rest, "\r\n\r\n")
	if idx < 0 {
		idx = strings.Index(rest, "\n\n")
		if idx < 0 {
			return nil
		}
		rest = rest[idx+2:]
	} else {
		rest = rest[idx+4:]
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(rest), &decoded); err == nil {
		return decoded
	}
	return rest
}

// ParseBatchV4 consumes the responses array of a JSON batch response.
func ParseBatchV4(body []byte) ([]BatchResponse, error) {
	var envelope struct {
		Responses []struct {
			ID      string            `json:"id"`
			Status  int               `json:"status"`
			Headers map[string]string `json:"headers"`
			Body    any               `json:"body"`
		} `json:"responses"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "decode batch response envelope")
	}

	responses := make([]BatchResponse, 0, len(envelope.Responses))
	for _, r := range envelope.Responses {
		body := r.Body
		if r.Status == http.StatusNoContent {
			body = nil
		}
		responses = append(responses, BatchResponse{
			ID:         r.ID,
			StatusCode: r.Status,
			Headers:    r.Headers,
			Body:       body,
		})
	}
	return responses, nil
}

// Execute sends the built batch through the client and demultiplexes the
// response for the client's dialect.
func (c *Client) ExecuteBatch(ctx context.Context, builder *BatchBuilder) ([]BatchResponse, error) {
	req, err := builder.Build()
	if err != nil {
		return nil, err
	}

	resp, err := c.t.Raw(ctx, http.MethodPost, "$batch", nil, req.Headers, req.Body)
	if err != nil {
		return nil, err
	}

	if c.dialect == DialectV4 {
		return ParseBatchV4(resp.Body)
	}

	boundary := req.Boundary
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		if idx := strings.Index(ct, "boundary="); idx >= 0 {
			boundary = strings.Trim(ct[idx+len("boundary="):], `" `)
		}
	}
	return ParseBatchV2(string(resp.Body), boundary), nil
}
