// Package manifest reads and writes the per-session mounts file.
//
// The file holds one location per line. A line starting with the
// AnonymousMarker requests an anonymous mount of the rest of the line. Blank
// lines are ignored and locations are never validated here: a malformed
// location is left for the mount provider to reject.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// AnonymousMarker prefixes locations that must be mounted anonymously
const AnonymousMarker = "[anonymous]"

// ErrUnreadable is returned when the manifest file cannot be read as text
var ErrUnreadable = errors.New("manifest is not readable")

// Request is a single mount request parsed from one manifest line
type Request struct {
	// Location is the URI or path handed to the mount provider
	Location string `json:"location"`
	// Anonymous requests an anonymous mount instead of ticket authentication
	Anonymous bool `json:"anonymous"`
}

// Load reads the manifest at path and parses its entries
func Load(path string) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}

	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8 text", ErrUnreadable, path)
	}

	return parseText(string(data)), nil
}

// Parse parses manifest content, preserving line order.
// Lines have no length limit.
func Parse(r io.Reader) ([]Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return parseText(string(data)), nil
}

func parseText(text string) []Request {
	var reqs []Request
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		reqs = append(reqs, parseLine(line))
	}
	return reqs
}

func parseLine(line string) Request {
	if location, ok := strings.CutPrefix(line, AnonymousMarker); ok {
		return Request{Location: location, Anonymous: true}
	}
	return Request{Location: line}
}

// Format renders a request as a manifest line, without the line terminator
func Format(req Request) string {
	if req.Anonymous {
		return AnonymousMarker + req.Location
	}
	return req.Location
}

// Normalize drops requests with an empty location and every repeat of an
// earlier line, keeping the first occurrence in place
func Normalize(reqs []Request) []Request {
	seen := make(map[string]struct{}, len(reqs))
	out := make([]Request, 0, len(reqs))
	for _, req := range reqs {
		if req.Location == "" {
			continue
		}
		line := Format(req)
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, req)
	}
	return out
}

// Write replaces the manifest at path with the normalized reqs.
// The new content is written next to the target and renamed over it, so
// readers never observe a partially written manifest.
func Write(path string, reqs []Request) error {
	var buf bytes.Buffer
	for _, req := range Normalize(reqs) {
		buf.WriteString(Format(req))
		buf.WriteByte('\n')
	}

	tmp := path + ".new"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write manifest %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace manifest %s: %w", path, err)
	}

	return nil
}
