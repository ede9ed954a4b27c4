// Package ident mints and validates the prefixed, time-ordered
// identifiers used by every entity. The payload is a ULID, so ids sort
// lexicographically in creation order within a prefix.
package ident

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/foliant-labs/folio/internal/faults"
)

// Entity prefixes. The separator is part of the id.
const (
	PrefixNote       = "note_"
	PrefixCollection = "col_"
	PrefixVersion    = "ver_"
	PrefixPub        = "pub_"
	PrefixSession    = "ses_"
	PrefixSnapshot   = "snp_"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New mints an id with the given prefix. Ids minted in the same
// process are strictly increasing thanks to monotonic entropy.
func New(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy)
	entropyMu.Unlock()
	return prefix + id.String()
}

// Valid reports whether id carries the prefix and a well-formed ULID.
func Valid(prefix, id string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := ulid.ParseStrict(id[len(prefix):])
	return err == nil
}

// Require returns a validation error unless id is well formed.
func Require(prefix, id string) error {
	if !Valid(prefix, id) {
		return faults.New(faults.Validation, "malformed id %q (want prefix %q)", id, prefix)
	}
	return nil
}

// Time extracts the creation time encoded in the id, or the zero time
// for malformed input.
func Time(prefix, id string) time.Time {
	if !strings.HasPrefix(id, prefix) {
		return time.Time{}
	}
	parsed, err := ulid.ParseStrict(id[len(prefix):])
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(parsed.Time()).UTC()
}
