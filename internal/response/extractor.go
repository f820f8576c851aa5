// Package response turns container output into a validated CorrectionResponse.
//
// A correction workload writes its response to stdout either as bare JSON or,
// when its runtime also prints unrelated output, wrapped in a marker block:
//
//	-----BEGIN CORRECTOMATIC RESPONSE-----
//	{"success": true, "grade": 9.5, "comments": ["ok"]}
//	-----END CORRECTOMATIC RESPONSE-----
//
// The number of dashes is not fixed.
package response

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed correction_response.schema.json
var schemaSource string

var schema = jsonschema.MustCompileString("correction_response.schema.json", schemaSource)

var markerBlock = regexp.MustCompile(`(?ms)^-+BEGIN CORRECTOMATIC RESPONSE-+[ \t\r]*$(.*?)^-+END CORRECTOMATIC RESPONSE-+[ \t\r]*$`)

// Extract parses and validates the container logs. It returns the typed
// response and the validated document, compacted, with any fields the
// schema does not name still in it.
// Failures are returned as *domain.InvalidResponseFormatError carrying the raw logs.
func Extract(logs string) (domain.CorrectionResponse, json.RawMessage, error) {
	raw, doc, err := parse(logs)
	if err != nil {
		return domain.CorrectionResponse{}, nil, &domain.InvalidResponseFormatError{Reason: err.Error(), Logs: logs}
	}

	if err := schema.Validate(doc); err != nil {
		return domain.CorrectionResponse{}, nil, &domain.InvalidResponseFormatError{
			Reason: "response does not match schema: " + err.Error(),
			Logs:   logs,
		}
	}

	var resp domain.CorrectionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.CorrectionResponse{}, nil, &domain.InvalidResponseFormatError{Reason: err.Error(), Logs: logs}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return domain.CorrectionResponse{}, nil, &domain.InvalidResponseFormatError{Reason: err.Error(), Logs: logs}
	}
	return resp, compact.Bytes(), nil
}

// parse tries the whole text first and falls back to a single marker block.
func parse(logs string) ([]byte, any, error) {
	if doc, err := decode([]byte(logs)); err == nil {
		return []byte(logs), doc, nil
	}

	matches := markerBlock.FindAllStringSubmatch(logs, -1)
	switch len(matches) {
	case 0:
		return nil, nil, fmt.Errorf("output is not JSON and has no response block")
	case 1:
	default:
		return nil, nil, fmt.Errorf("found %d response blocks, expected exactly one", len(matches))
	}

	inner := []byte(strings.TrimSpace(matches[0][1]))
	doc, err := decode(inner)
	if err != nil {
		return nil, nil, fmt.Errorf("response block is not valid JSON: %w", err)
	}
	return inner, doc, nil
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	// Anything but whitespace after the first value means the text is not a single document.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return doc, nil
}
