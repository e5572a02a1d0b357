// Package safefile holds the path and I/O guards used wherever a user-derived
// name reaches the filesystem or an unbounded reader is consumed.
package safefile

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a name would resolve outside its base
// directory.
var ErrPathTraversal = errors.New("safefile: path escapes base directory")

// ErrTooLarge is returned by ReadCapped when the reader holds more than the
// allowed number of bytes.
type ErrTooLarge struct {
	Limit int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("safefile: content exceeds %d bytes", e.Limit)
}

// Join resolves name under base and rejects any result that leaves base.
func Join(base, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") {
		return "", ErrPathTraversal
	}
	root := filepath.Clean(base)
	joined := filepath.Join(root, filepath.Clean("/"+name))
	if joined == root || !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// ValidName reports whether name is a flat file name made of letters,
// digits, underscore, hyphen and dot, at most 255 bytes long.
func ValidName(name string) error {
	if name == "" {
		return fmt.Errorf("safefile: empty file name")
	}
	if len(name) > 255 {
		return fmt.Errorf("safefile: file name too long (%d bytes)", len(name))
	}
	if name == "." || strings.HasPrefix(name, "..") {
		return ErrPathTraversal
	}
	for _, r := range name {
		if !nameChar(r) {
			return fmt.Errorf("safefile: invalid character %q in %q", r, name)
		}
	}
	return nil
}

// ReadCapped reads all of r, failing with *ErrTooLarge past max bytes.
func ReadCapped(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, &ErrTooLarge{Limit: max}
	}
	return data, nil
}

func nameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
