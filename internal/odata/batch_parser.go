package odata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/norpie/dynops/internal/errs"
)

// httpPart is one parsed "application/http" sub-part: a multipart
// Content-ID, an HTTP status line, and HTTP response headers/body.
type httpPart struct {
	contentID  int // 0 when absent
	statusCode int
	headers    map[string]string
	body       []byte
}

// partState is the micro state machine described in spec §4.6.
type partState int

const (
	stateMultipartHeaders partState = iota
	stateHTTPStatus
	stateHTTPHeaders
	stateBody
)

// ParseBatchResponse splits a raw $batch response envelope and produces
// one OperationResult per element of ops, in the order of ops (spec
// §4.6); an operation with no matching sub-part gets a failed result. responseContentType is the outer HTTP response's Content-Type
// header, used only as a fallback boundary source.
func ParseBatchResponse(body []byte, responseContentType string, ops Operations) ([]OperationResult, error) {
	normalized := normalizeNewlines(body)
	outerBoundary := findOuterBoundary(normalized, responseContentType)
	if outerBoundary == "" {
		return nil, errs.New("odata.ParseBatchResponse", errs.KindParse, fmt.Errorf("%w: no outer boundary found", errs.ErrParse))
	}

	outerParts := splitOnBoundary(normalized, outerBoundary)
	var parts []httpPart
	for _, p := range outerParts {
		parts = append(parts, parseEnvelopePart(p)...)
	}

	return correlate(parts, ops), nil
}

// normalizeNewlines converts CRLF to LF so downstream splitting is
// newline-style agnostic (spec §4.6 edge cases).
func normalizeNewlines(body []byte) string {
	return strings.ReplaceAll(string(body), "\r\n", "\n")
}

// findOuterBoundary locates the outer boundary token. Primary strategy:
// scan lines for one beginning "--batchresponse". Fallback: the
// Content-Type header's boundary= parameter.
func findOuterBoundary(body string, contentType string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--batchresponse") {
			tok := strings.TrimPrefix(trimmed, "--")
			tok = strings.TrimSuffix(tok, "--")
			return unquote(tok)
		}
	}
	return boundaryFromContentType(contentType)
}

func boundaryFromContentType(contentType string) string {
	for _, field := range strings.Split(contentType, ";") {
		field = strings.TrimSpace(field)
		if strings.HasPrefix(strings.ToLower(field), "boundary=") {
			return unquote(strings.TrimSpace(field[len("boundary="):]))
		}
	}
	return ""
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// splitOnBoundary splits body on "--{boundary}" delimiter lines, dropping
// empty segments and the trailing "--" terminator.
func splitOnBoundary(body string, boundary string) []string {
	delim := "--" + boundary
	raw := strings.Split(body, delim)
	var parts []string
	for _, p := range raw {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" || trimmed == "--" {
			continue
		}
		parts = append(parts, strings.Trim(p, "\n"))
	}
	return parts
}

// parseEnvelopePart handles one outer-boundary segment: either a nested
// changesetresponse multipart, a direct application/http part, or
// something unrecognized (skipped per spec §4.6 edge cases).
func parseEnvelopePart(part string) []httpPart {
	lines := strings.Split(part, "\n")
	headers, bodyStart := readHeaderBlock(lines)
	contentType := headers["Content-Type"]

	if strings.Contains(strings.ToLower(contentType), "multipart/mixed") {
		boundary := boundaryFromContentType(contentType)
		if boundary == "" {
			return nil
		}
		rest := strings.Join(lines[bodyStart:], "\n")
		inner := splitOnBoundary(rest, boundary)
		var result []httpPart
		for _, p := range inner {
			if hp, ok := parseHTTPPart(p); ok {
				result = append(result, hp)
			}
		}
		return result
	}

	if strings.Contains(strings.ToLower(contentType), "application/http") {
		if hp, ok := parseHTTPPart(part); ok {
			return []httpPart{hp}
		}
	}
	return nil
}

// readHeaderBlock reads lines until the first blank line, returning the
// parsed header map and the index of the first line after it.
func readHeaderBlock(lines []string) (map[string]string, int) {
	headers := make(map[string]string)
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			return headers, i + 1
		}
		if k, v, ok := splitHeaderLine(line); ok {
			headers[k] = v
		}
	}
	return headers, i
}

func splitHeaderLine(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// parseHTTPPart runs the MultipartHeaders -> HttpStatus -> HttpHeaders ->
// Body state machine over one "application/http" sub-part (spec §4.6).
func parseHTTPPart(part string) (httpPart, bool) {
	lines := strings.Split(part, "\n")
	var result httpPart
	state := stateMultipartHeaders
	var bodyLines []string

	for _, line := range lines {
		switch state {
		case stateMultipartHeaders:
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				state = stateHTTPStatus
				continue
			}
			if k, v, ok := splitHeaderLine(line); ok && strings.EqualFold(k, "Content-ID") {
				if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					result.contentID = n
				}
			}
		case stateHTTPStatus:
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if sc, ok := parseStatusLine(trimmed); ok {
				result.statusCode = sc
				state = stateHTTPHeaders
			}
		case stateHTTPHeaders:
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				state = stateBody
				continue
			}
			if result.headers == nil {
				result.headers = make(map[string]string)
			}
			if k, v, ok := splitHeaderLine(line); ok {
				result.headers[k] = v
			}
		case stateBody:
			bodyLines = append(bodyLines, line)
		}
	}

	if result.statusCode == 0 {
		return httpPart{}, false
	}
	result.body = []byte(strings.TrimRight(strings.Join(bodyLines, "\n"), "\n \t"))
	return result, true
}

func parseStatusLine(line string) (int, bool) {
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	sc, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return sc, true
}

// correlate matches parsed parts to ops primarily by Content-ID (N ->
// ops[N-1]), falling back to positional order when Content-ID is absent
// (spec §4.6, §5 ordering guarantees).
func correlate(parts []httpPart, ops Operations) []OperationResult {
	results := make([]OperationResult, len(ops))
	assigned := make([]bool, len(ops))

	var positional []httpPart
	for _, p := range parts {
		if p.contentID >= 1 && p.contentID <= len(ops) {
			idx := p.contentID - 1
			results[idx] = toResult(ops[idx], p)
			assigned[idx] = true
		} else {
			positional = append(positional, p)
		}
	}

	pi := 0
	for i := range ops {
		if assigned[i] {
			continue
		}
		if pi < len(positional) {
			results[i] = toResult(ops[i], positional[pi])
			pi++
		} else {
			results[i] = OperationResult{Operation: ops[i], Success: false, Error: "HTTP response missing for this operation"}
		}
	}
	return results
}

// toResult converts a parsed httpPart into the OperationResult error
// derivation rules of spec §4.6.
func toResult(op Operation, p httpPart) OperationResult {
	return ResultFromHTTP(op, p.statusCode, p.headers, p.body)
}

// ResultFromHTTP builds an OperationResult from a raw HTTP outcome,
// applying the same success/error-derivation rules as the batch parser
// (spec §4.6 step 5). Used directly by the resilient client's
// single-operation path, which never goes through the multipart parser.
func ResultFromHTTP(op Operation, statusCode int, headers map[string]string, body []byte) OperationResult {
	success := statusCode >= 200 && statusCode < 300
	result := OperationResult{
		Operation:  op,
		Success:    success,
		StatusCode: statusCode,
		Headers:    headers,
	}
	if len(body) > 0 {
		result.Body = json.RawMessage(body)
	}
	if success {
		return result
	}
	result.Error = deriveError(statusCode, body)
	return result
}

// deriveError implements the fallback chain in spec §4.6 step 5.
func deriveError(statusCode int, body []byte) string {
	if len(body) == 0 {
		return fmt.Sprintf("HTTP %d", statusCode)
	}
	var dynErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &dynErr); err == nil && dynErr.Error.Message != "" {
		return fmt.Sprintf("Dynamics 365 Error [%s]: %s", dynErr.Error.Code, dynErr.Error.Message)
	}
	var withMessage struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &withMessage); err == nil && withMessage.Message != "" {
		return withMessage.Message
	}
	return string(body)
}
