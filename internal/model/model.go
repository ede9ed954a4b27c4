// Package model holds the persisted entities of a workspace and their
// validation limits. Entities are plain data; invariants are enforced
// by the storage backends and the publish coordinator.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/foliant-labs/folio/internal/faults"
)

// Validation limits.
const (
	MaxTitleLen          = 200
	MaxTags              = 15
	MaxTagLen            = 40
	MaxCollectionNameLen = 64
	MaxCollectionsPerNote = 10
	MaxContentBytes      = 1 << 20 // 1 MiB of markdown per draft
)

// Version labels.
const (
	LabelMinor = "minor"
	LabelMajor = "major"
)

// Visibility event operations. Retract takes a note out of the corpus
// when a snapshot restore erases it from the entity store.
const (
	OpPublish   = "publish"
	OpRepublish = "republish"
	OpRollback  = "rollback"
	OpRetract   = "retract"
)

var (
	collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]*$`)

	// reservedCollectionNames cannot be claimed; "all" is the implicit
	// whole-workspace scope.
	reservedCollectionNames = map[string]bool{
		"all":       true,
		"drafts":    true,
		"workspace": true,
	}
)

// Metadata is the free key/value bag on notes, drafts, and versions.
// Tags ride in the same structure under validation limits of their own.
type Metadata struct {
	Tags   []string          `json:"tags,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := Metadata{}
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.Fields != nil {
		out.Fields = make(map[string]string, len(m.Fields))
		for k, v := range m.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Validate checks tag count and length limits.
func (m Metadata) Validate() error {
	if len(m.Tags) > MaxTags {
		return faults.New(faults.Validation, "too many tags: %d (max %d)", len(m.Tags), MaxTags)
	}
	for _, t := range m.Tags {
		if t == "" || len(t) > MaxTagLen {
			return faults.New(faults.Validation, "tag %q out of bounds (1..%d chars)", t, MaxTagLen)
		}
	}
	return nil
}

// Note is a logical document identity.
type Note struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Metadata         Metadata  `json:"metadata"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	CurrentVersionID string    `json:"current_version_id,omitempty"`
}

// ValidateTitle enforces the 1..200 char bound.
func ValidateTitle(title string) error {
	if title == "" {
		return faults.New(faults.Validation, "title must not be empty")
	}
	if len(title) > MaxTitleLen {
		return faults.New(faults.Validation, "title exceeds %d chars", MaxTitleLen)
	}
	return nil
}

// Draft is the single mutable working copy of a note. Never indexed.
type Draft struct {
	NoteID     string    `json:"note_id"`
	BodyMD     string    `json:"body_md"`
	Metadata   Metadata  `json:"metadata"`
	AutosaveTS time.Time `json:"autosave_ts"`
}

// Version is an immutable snapshot of a note's content.
type Version struct {
	ID              string    `json:"id"`
	NoteID          string    `json:"note_id"`
	ContentMD       string    `json:"content_md"`
	Metadata        Metadata  `json:"metadata"`
	ContentHash     string    `json:"content_hash"`
	CreatedAt       time.Time `json:"created_at"`
	ParentVersionID string    `json:"parent_version_id,omitempty"`
	Label           string    `json:"label"`
}

// HashContent computes the canonical content hash (SHA-256 hex).
func HashContent(contentMD string) string {
	sum := sha256.Sum256([]byte(contentMD))
	return hex.EncodeToString(sum[:])
}

// Publication links a version to the collections it is visible in.
type Publication struct {
	ID          string    `json:"id"`
	NoteID      string    `json:"note_id"`
	VersionID   string    `json:"version_id"`
	Collections []string  `json:"collections"` // collection ids, >= 1
	PublishedAt time.Time `json:"published_at"`
	Label       string    `json:"label"`
}

// Collection is a named scope, unique per workspace.
type Collection struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValidateCollectionName enforces length, character class, and the
// reserved set. Uniqueness is the storage backend's job.
func ValidateCollectionName(name string) error {
	if name == "" {
		return faults.New(faults.Validation, "collection name must not be empty")
	}
	if len(name) > MaxCollectionNameLen {
		return faults.New(faults.Validation, "collection name exceeds %d chars", MaxCollectionNameLen)
	}
	if !collectionNameRe.MatchString(name) {
		return faults.New(faults.Validation, "collection name %q contains disallowed characters", name)
	}
	if reservedCollectionNames[strings.ToLower(name)] {
		return faults.New(faults.Validation, "collection name %q is reserved", name)
	}
	return nil
}

// SessionStep is one replayable step of a session. RefIDs are opaque:
// they are stored verbatim whether or not the targets still exist.
type SessionStep struct {
	StepIndex int       `json:"step_index"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // query|open|cite|...
	RefIDs    []string  `json:"ref_ids,omitempty"`
}

// Session is an ordered, replayable trace of reader activity.
type Session struct {
	ID        string        `json:"id"`
	Steps     []SessionStep `json:"steps"`
	Pinned    bool          `json:"pinned"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// SnapshotScopeWorkspace is the only accepted snapshot scope today.
const SnapshotScopeWorkspace = "workspace"

// Snapshot is a point-in-time capture of workspace state. The captured
// entities live in State, serialized by the backend.
type Snapshot struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SnapshotState is the restorable payload of a snapshot: notes,
// drafts, versions, collections, and memberships. Sessions and other
// snapshots survive a restore untouched.
type SnapshotState struct {
	Notes       []*Note        `json:"notes"`
	Drafts      []*Draft       `json:"drafts"`
	Versions    []*Version     `json:"versions"`
	Publications []*Publication `json:"publications"`
	Collections []*Collection  `json:"collections"`
	// Memberships maps note id -> collection ids, sorted.
	Memberships map[string][]string `json:"memberships"`
}

// VisibilityEvent is an outbox row: a version that must be committed
// into the corpus. Deduplicated by (version_id, op).
type VisibilityEvent struct {
	Seq         int64     `json:"seq"`
	NoteID      string    `json:"note_id"`
	VersionID   string    `json:"version_id"`
	Collections []string  `json:"collections"`
	Op          string    `json:"op"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts"`
	Status      string    `json:"status"` // pending|committed|parked
	LastError   string    `json:"last_error,omitempty"`
}

// Outbox event statuses.
const (
	EventPending   = "pending"
	EventCommitted = "committed"
	EventParked    = "parked"
)

// IdempotencyRecord replays a publish or rollback response for a
// repeated client token. Keyed (note_id, client_token) and stored
// transactionally with the write it guards so replays survive
// restarts.
type IdempotencyRecord struct {
	NoteID      string    `json:"note_id"`
	Op          string    `json:"op"` // publish|rollback
	ClientToken string    `json:"client_token"`
	Response    []byte    `json:"response"` // JSON-encoded original response
	CreatedAt   time.Time `json:"created_at"`
}
