// Package json provides JSON extraction utilities for parsing LLM responses.
//
// LLMs often return JSON embedded in text or with additional commentary.
// This package provides utilities to extract and parse JSON from such responses.
package json

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencedJSON matches a ```json block anywhere in the text.
var fencedJSON = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")

// extractJSON finds and returns the JSON portion of a response string.
// It handles common LLM response patterns:
// 1. A ```json fenced block anywhere in the text
// 2. Pure JSON response (object or array) - returns the full response
// 3. JSON wrapped in bare markdown code blocks (``` ... ```)
// 4. JSON embedded in text - outermost '{...}' or '[...]'
//
// Limitations:
// - Uses simple bracket matching, not full JSON parsing
// - May fail if brackets appear in surrounding prose
func extractJSON(response string) (string, error) {
	if m := fencedJSON.FindStringSubmatch(response); m != nil && json.Valid([]byte(m[1])) {
		return m[1], nil
	}

	// Strip markdown code blocks if present
	response = stripMarkdownCodeBlocks(response)

	// Try full response first
	if json.Valid([]byte(response)) {
		return response, nil
	}

	// Try to find and extract JSON from the response
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(response, pair[0])
		end := strings.LastIndex(response, pair[1])
		if start != -1 && end > start {
			jsonStr := response[start : end+1]
			if json.Valid([]byte(jsonStr)) {
				return jsonStr, nil
			}
		}
	}

	// Create a preview for the error message
	preview := response
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview)
}

// stripMarkdownCodeBlocks removes markdown code block markers from a response.
// Handles patterns like ```json\n...\n``` or ```\n...\n```
func stripMarkdownCodeBlocks(response string) string {
	// Check for ```json or ``` at the start
	trimmed := strings.TrimSpace(response)

	// Handle ```json prefix
	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	// Handle ``` suffix
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	return trimmed
}

// Normalize extracts the JSON value from a response and returns it
// re-encoded with two-space indentation.
func Normalize(response string) (string, error) {
	jsonStr, err := extractJSON(response)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(jsonStr), "", "  "); err != nil {
		return "", fmt.Errorf("failed to indent JSON: %w", err)
	}
	return buf.String(), nil
}
