// Package ledger implements the Patch Ledger (C10): unified-diff
// canonicalization, content hashing, and the patch state machine.
// Canonicalization is grounded on the teacher's pkg/diff package
// (github.com/sergi/go-diff/diffmatchpatch); patches are re-serialized
// with LF line endings, trailing whitespace stripped, and path
// prefixes normalized before hashing.
package ledger

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Canonicalize normalizes a unified-diff payload: LF line endings, no
// trailing whitespace per line, a/ and b/ path prefixes and leading
// ./ stripped from file headers. Canonicalizing twice is idempotent.
func Canonicalize(payload []byte) []byte {
	text := strings.ReplaceAll(string(payload), "\r\n", "\n")
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var out bytes.Buffer
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
			line = normalizeHeaderLine(line)
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func normalizeHeaderLine(line string) string {
	prefix, rest := line[:4], line[4:]
	fields := strings.SplitN(rest, "\t", 2)
	path := strings.TrimRight(fields[0], " ")
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	path = strings.TrimPrefix(path, "./")
	if len(fields) == 2 {
		return prefix + path + "\t" + fields[1]
	}
	return prefix + path
}

// Hash returns the content-addressed id of a canonical diff payload.
// Hashing a canonical diff is stable across calls.
func Hash(canonicalPayload []byte) string {
	sum := sha256.Sum256(canonicalPayload)
	return hex.EncodeToString(sum[:])
}

// ExtractPaths returns the normalized file paths a canonical unified
// diff touches, derived from its "+++ " headers.
func ExtractPaths(canonicalPayload []byte) ([]string, error) {
	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(canonicalPayload))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		path := strings.TrimPrefix(line, "+++ ")
		if idx := strings.IndexByte(path, '\t'); idx >= 0 {
			path = path[:idx]
		}
		if strings.Contains(path, "..") {
			return nil, fmt.Errorf("ledger: path %q escapes workspace", path)
		}
		if path != "" && path != "/dev/null" {
			paths = append(paths, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan diff: %w", err)
	}
	return paths, nil
}

// DiffStatsFromLines counts added/deleted lines in a canonical diff's
// hunk body (lines starting with '+'/'-', excluding file headers).
func DiffStatsFromLines(canonicalPayload []byte) (added, deleted int) {
	scanner := bufio.NewScanner(bytes.NewReader(canonicalPayload))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "+++ "), strings.HasPrefix(line, "--- "):
			continue
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			deleted++
		}
	}
	return added, deleted
}
