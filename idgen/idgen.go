// Package idgen generates export IDs, request IDs and download tokens.
//
// Constructors that mint IDs accept a Generator so tests can pin them.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

var tokenEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Token returns a Generator of URL-safe tokens carrying n random bytes.
// Download links use these: they must be unguessable, not sortable.
func Token(n int) Generator {
	return func() string {
		b := make([]byte, n)
		// crypto/rand.Read never returns an error on supported platforms.
		rand.Read(b)
		return tokenEncoding.EncodeToString(b)
	}
}

// UUIDv7 returns a Generator of time-sortable RFC 9562 UUIDs.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Prefixed prepends prefix to every ID produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns prefix1, prefix2, ... Safe for concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string { return prefix + strconv.FormatInt(n.Add(1), 10) }
}

// Kind reports the prefix of id up to and including the first underscore,
// or "" when id carries none.
func Kind(id string) string {
	if i := strings.IndexByte(id, '_'); i > 0 {
		return id[:i+1]
	}
	return ""
}

var (
	// ExportID names one export attempt in the export log and responses.
	ExportID = Prefixed("exp_", UUIDv7())
	// RequestID tags calls that arrive without a transport request ID.
	RequestID = Prefixed("req_", UUIDv7())
	// DownloadToken names a one-shot download link.
	DownloadToken = Token(15)
)
