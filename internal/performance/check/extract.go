// Package check validates and mines HTTP response bodies: JSON value
// extraction for per-user variables and JSON-Schema validation.
package check

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrPathNotFound is returned when a JSON path does not resolve.
var ErrPathNotFound = errors.New("path not found")

// ExtractJSON extracts a value from a JSON document.
//
// path accepts JSONPath-style ($.items[0].id) or native gjson syntax
// (items.0.id).
func ExtractJSON(body []byte, path string) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty JSON body")
	}
	if path == "" {
		return "", fmt.Errorf("empty JSON path")
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("invalid JSON body")
	}

	result := gjson.GetBytes(body, toGjsonPath(path))
	if !result.Exists() {
		return "", fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	if result.Type == gjson.Null {
		return "null", nil
	}
	return result.String(), nil
}

// toGjsonPath converts a JSONPath expression to gjson path format.
//
//	$.users[0].name  -> users.0.name
//	$['name']        -> name
//	$[1]             -> 1
func toGjsonPath(path string) string {
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return "@this"
	}
	path = strings.TrimPrefix(path, ".")

	r := strings.NewReplacer(
		"['", ".", "']", "",
		`["`, ".", `"]`, "",
		"[", ".", "]", "",
	)
	path = r.Replace(path)
	return strings.TrimPrefix(path, ".")
}
