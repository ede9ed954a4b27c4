// Package memory implements the storage port in process memory. It
// backs tests and the memory storage mode; semantics mirror the sqlite
// backend exactly, including transaction rollback.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/storage"
)

// data holds all workspace state. Its methods implement storage.Ops
// without locking; Store adds the lock, and transactions operate on
// the same methods under a state backup.
type data struct {
	Notes          map[string]*model.Note
	Drafts         map[string]*model.Draft
	Versions       map[string]*model.Version
	VersionOrder   map[string][]string
	Publications   map[string]*model.Publication
	PubOrder       []string
	Collections    map[string]*model.Collection
	CollByName     map[string]string
	Memberships    map[string]map[string]bool
	Sessions       map[string]*model.Session
	Snapshots      map[string]*model.Snapshot
	SnapshotStates map[string]*model.SnapshotState
	SnapshotOrder  []string
	Idempotency    map[string]*model.IdempotencyRecord
	Events         []*model.VisibilityEvent
	EventSeq       int64
	EventKeys      map[string]bool
}

func newData() *data {
	return &data{
		Notes:          map[string]*model.Note{},
		Drafts:         map[string]*model.Draft{},
		Versions:       map[string]*model.Version{},
		VersionOrder:   map[string][]string{},
		Publications:   map[string]*model.Publication{},
		Collections:    map[string]*model.Collection{},
		CollByName:     map[string]string{},
		Memberships:    map[string]map[string]bool{},
		Sessions:       map[string]*model.Session{},
		Snapshots:      map[string]*model.Snapshot{},
		SnapshotStates: map[string]*model.SnapshotState{},
		Idempotency:    map[string]*model.IdempotencyRecord{},
		EventKeys:      map[string]bool{},
	}
}

// clone deep-copies state through JSON; every field is serializable by
// construction (the sqlite backend stores the same shapes as JSON).
func (d *data) clone() *data {
	blob, _ := json.Marshal(d)
	fresh := newData()
	json.Unmarshal(blob, fresh)
	return fresh
}

var _ storage.Ops = (*data)(nil)

// Store is the locked, transactional wrapper around data.
type Store struct {
	mu sync.Mutex
	d  *data
}

var _ storage.Store = (*Store)(nil)

// Open creates an empty in-memory store.
func Open() *Store {
	return &Store{d: newData()}
}

func (s *Store) Close() error { return nil }

// RunInTransaction backs up the whole state, runs fn against it, and
// restores the backup on error or panic.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Ops) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.d.clone()
	defer func() {
		if r := recover(); r != nil {
			s.d = backup
			panic(r)
		}
		if err != nil {
			s.d = backup
		}
	}()
	err = fn(s.d)
	return err
}

func (s *Store) Health(ctx context.Context) (*storage.Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, parked, _ := s.d.VisibilityBacklog(ctx)
	return &storage.Health{
		Backend:       "memory",
		OK:            true,
		Notes:         len(s.d.Notes),
		Versions:      len(s.d.Versions),
		PendingEvents: pending,
		ParkedEvents:  parked,
	}, nil
}

// Maintain drops committed events older than 30 days.
func (s *Store) Maintain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	kept := s.d.Events[:0]
	for _, ev := range s.d.Events {
		if ev.Status == model.EventCommitted && ev.EnqueuedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, ev)
	}
	s.d.Events = kept
	return nil
}

// --- data: notes ---

func cloneJSON[T any](v T) T {
	blob, _ := json.Marshal(v)
	var out T
	json.Unmarshal(blob, &out)
	return out
}

func (d *data) PutNote(_ context.Context, n *model.Note) error {
	if _, ok := d.Notes[n.ID]; ok {
		return faults.New(faults.Conflict, "note %s exists", n.ID)
	}
	d.Notes[n.ID] = cloneJSON(n)
	return nil
}

func (d *data) UpdateNote(_ context.Context, n *model.Note) error {
	if _, ok := d.Notes[n.ID]; !ok {
		return faults.NotFoundf("note", n.ID)
	}
	d.Notes[n.ID] = cloneJSON(n)
	return nil
}

func (d *data) GetNote(_ context.Context, id string) (*model.Note, error) {
	n, ok := d.Notes[id]
	if !ok {
		return nil, faults.NotFoundf("note", id)
	}
	return cloneJSON(n), nil
}

func (d *data) ListNotes(_ context.Context, f storage.NoteFilter) ([]*model.Note, error) {
	var out []*model.Note
	for _, n := range d.Notes {
		if f.CollectionID != "" && !d.Memberships[n.ID][f.CollectionID] {
			continue
		}
		if f.TitleSubstr != "" && !strings.Contains(strings.ToLower(n.Title), strings.ToLower(f.TitleSubstr)) {
			continue
		}
		if f.Tag != "" && !hasTag(n.Metadata.Tags, f.Tag) {
			continue
		}
		out = append(out, cloneJSON(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func (d *data) DeleteNote(_ context.Context, id string) error {
	if _, ok := d.Notes[id]; !ok {
		return faults.NotFoundf("note", id)
	}
	delete(d.Notes, id)
	delete(d.Drafts, id)
	delete(d.Memberships, id)
	return nil
}

// --- data: drafts ---

func (d *data) PutDraft(_ context.Context, draft *model.Draft) error {
	d.Drafts[draft.NoteID] = cloneJSON(draft)
	return nil
}

func (d *data) GetDraft(_ context.Context, noteID string) (*model.Draft, error) {
	draft, ok := d.Drafts[noteID]
	if !ok {
		return nil, faults.NotFoundf("draft", noteID)
	}
	return cloneJSON(draft), nil
}

func (d *data) DeleteDraft(_ context.Context, noteID string) error {
	if _, ok := d.Drafts[noteID]; !ok {
		return faults.NotFoundf("draft", noteID)
	}
	delete(d.Drafts, noteID)
	return nil
}

// --- data: versions ---

func (d *data) PutVersion(_ context.Context, v *model.Version) error {
	if v.ContentHash != model.HashContent(v.ContentMD) {
		return faults.New(faults.Integrity, "version %s content hash mismatch", v.ID)
	}
	if _, ok := d.Versions[v.ID]; ok {
		return faults.New(faults.Conflict, "version %s exists", v.ID)
	}
	d.Versions[v.ID] = cloneJSON(v)
	d.VersionOrder[v.NoteID] = append(d.VersionOrder[v.NoteID], v.ID)
	return nil
}

func (d *data) GetVersion(_ context.Context, id string) (*model.Version, error) {
	v, ok := d.Versions[id]
	if !ok {
		return nil, faults.NotFoundf("version", id)
	}
	return cloneJSON(v), nil
}

func (d *data) ListVersions(_ context.Context, noteID string) ([]*model.Version, error) {
	order := d.VersionOrder[noteID]
	out := make([]*model.Version, 0, len(order))
	// Newest first.
	for i := len(order) - 1; i >= 0; i-- {
		out = append(out, cloneJSON(d.Versions[order[i]]))
	}
	return out, nil
}

func (d *data) LatestVersion(_ context.Context, noteID string) (*model.Version, error) {
	order := d.VersionOrder[noteID]
	if len(order) == 0 {
		return nil, faults.NotFoundf("version for note", noteID)
	}
	return cloneJSON(d.Versions[order[len(order)-1]]), nil
}

// --- data: publications ---

func (d *data) PutPublication(_ context.Context, p *model.Publication) error {
	if _, ok := d.Publications[p.ID]; ok {
		return faults.New(faults.Conflict, "publication %s exists", p.ID)
	}
	d.Publications[p.ID] = cloneJSON(p)
	d.PubOrder = append(d.PubOrder, p.ID)
	return nil
}

func (d *data) GetPublicationForVersion(_ context.Context, versionID string) (*model.Publication, error) {
	for i := len(d.PubOrder) - 1; i >= 0; i-- {
		p := d.Publications[d.PubOrder[i]]
		if p != nil && p.VersionID == versionID {
			return cloneJSON(p), nil
		}
	}
	return nil, faults.NotFoundf("publication for version", versionID)
}

func (d *data) ListPublications(_ context.Context, noteID string) ([]*model.Publication, error) {
	var out []*model.Publication
	for i := len(d.PubOrder) - 1; i >= 0; i-- {
		p := d.Publications[d.PubOrder[i]]
		if p != nil && p.NoteID == noteID {
			out = append(out, cloneJSON(p))
		}
	}
	return out, nil
}

// --- data: collections ---

func (d *data) PutCollection(_ context.Context, c *model.Collection) error {
	if _, ok := d.CollByName[c.Name]; ok {
		return faults.New(faults.Conflict, "collection name %q already exists", c.Name)
	}
	if _, ok := d.Collections[c.ID]; ok {
		return faults.New(faults.Conflict, "collection %s exists", c.ID)
	}
	d.Collections[c.ID] = cloneJSON(c)
	d.CollByName[c.Name] = c.ID
	return nil
}

func (d *data) GetCollection(_ context.Context, id string) (*model.Collection, error) {
	c, ok := d.Collections[id]
	if !ok {
		return nil, faults.NotFoundf("collection", id)
	}
	return cloneJSON(c), nil
}

func (d *data) GetCollectionByName(_ context.Context, name string) (*model.Collection, error) {
	id, ok := d.CollByName[name]
	if !ok {
		return nil, faults.NotFoundf("collection", name)
	}
	return cloneJSON(d.Collections[id]), nil
}

func (d *data) ListCollections(_ context.Context) ([]*model.Collection, error) {
	out := make([]*model.Collection, 0, len(d.Collections))
	for _, c := range d.Collections {
		out = append(out, cloneJSON(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *data) UpdateCollection(_ context.Context, c *model.Collection) error {
	old, ok := d.Collections[c.ID]
	if !ok {
		return faults.NotFoundf("collection", c.ID)
	}
	if old.Name != c.Name {
		if _, taken := d.CollByName[c.Name]; taken {
			return faults.New(faults.Conflict, "collection name %q already exists", c.Name)
		}
		delete(d.CollByName, old.Name)
		d.CollByName[c.Name] = c.ID
	}
	d.Collections[c.ID] = cloneJSON(c)
	return nil
}

func (d *data) DeleteCollection(_ context.Context, id string) error {
	c, ok := d.Collections[id]
	if !ok {
		return faults.NotFoundf("collection", id)
	}
	delete(d.CollByName, c.Name)
	delete(d.Collections, id)
	for noteID := range d.Memberships {
		delete(d.Memberships[noteID], id)
	}
	return nil
}

func (d *data) AddNoteToCollection(_ context.Context, noteID, collectionID string) error {
	set := d.Memberships[noteID]
	if set == nil {
		set = map[string]bool{}
		d.Memberships[noteID] = set
	}
	if set[collectionID] {
		return faults.New(faults.Conflict, "note %s already in collection %s", noteID, collectionID)
	}
	if len(set) >= model.MaxCollectionsPerNote {
		return faults.New(faults.Validation, "note %s already belongs to %d collections (max %d)",
			noteID, len(set), model.MaxCollectionsPerNote)
	}
	set[collectionID] = true
	return nil
}

func (d *data) RemoveNoteFromCollection(_ context.Context, noteID, collectionID string) error {
	if !d.Memberships[noteID][collectionID] {
		return faults.NotFoundf("membership", noteID+"/"+collectionID)
	}
	delete(d.Memberships[noteID], collectionID)
	return nil
}

func (d *data) CollectionsForNote(_ context.Context, noteID string) ([]string, error) {
	var out []string
	for id := range d.Memberships[noteID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (d *data) NotesInCollection(_ context.Context, collectionID string) ([]string, error) {
	var out []string
	for noteID, set := range d.Memberships {
		if set[collectionID] {
			out = append(out, noteID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- data: sessions ---

func (d *data) PutSession(_ context.Context, s *model.Session) error {
	if _, ok := d.Sessions[s.ID]; ok {
		return faults.New(faults.Conflict, "session %s exists", s.ID)
	}
	d.Sessions[s.ID] = cloneJSON(s)
	return nil
}

func (d *data) GetSession(_ context.Context, id string) (*model.Session, error) {
	s, ok := d.Sessions[id]
	if !ok {
		return nil, faults.NotFoundf("session", id)
	}
	return cloneJSON(s), nil
}

func (d *data) ListSessions(_ context.Context) ([]*model.Session, error) {
	out := make([]*model.Session, 0, len(d.Sessions))
	for _, s := range d.Sessions {
		out = append(out, cloneJSON(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) AppendSessionSteps(_ context.Context, id string, steps []model.SessionStep) error {
	s, ok := d.Sessions[id]
	if !ok {
		return faults.NotFoundf("session", id)
	}
	next := len(s.Steps)
	for i := range steps {
		steps[i].StepIndex = next + i
		if steps[i].Timestamp.IsZero() {
			steps[i].Timestamp = time.Now().UTC()
		}
	}
	s.Steps = append(s.Steps, cloneJSON(steps)...)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *data) PinSession(_ context.Context, id string, pinned bool) error {
	s, ok := d.Sessions[id]
	if !ok {
		return faults.NotFoundf("session", id)
	}
	s.Pinned = pinned
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// --- data: snapshots ---

func (d *data) PutSnapshot(_ context.Context, s *model.Snapshot, state *model.SnapshotState) error {
	if _, ok := d.Snapshots[s.ID]; ok {
		return faults.New(faults.Conflict, "snapshot %s exists", s.ID)
	}
	d.Snapshots[s.ID] = cloneJSON(s)
	d.SnapshotStates[s.ID] = cloneJSON(state)
	d.SnapshotOrder = append(d.SnapshotOrder, s.ID)
	return nil
}

func (d *data) GetSnapshot(_ context.Context, id string) (*model.Snapshot, error) {
	s, ok := d.Snapshots[id]
	if !ok {
		return nil, faults.NotFoundf("snapshot", id)
	}
	return cloneJSON(s), nil
}

func (d *data) GetSnapshotState(_ context.Context, id string) (*model.SnapshotState, error) {
	state, ok := d.SnapshotStates[id]
	if !ok {
		return nil, faults.NotFoundf("snapshot", id)
	}
	return cloneJSON(state), nil
}

func (d *data) ListSnapshots(_ context.Context) ([]*model.Snapshot, error) {
	out := make([]*model.Snapshot, 0, len(d.SnapshotOrder))
	for _, id := range d.SnapshotOrder {
		if s, ok := d.Snapshots[id]; ok {
			out = append(out, cloneJSON(s))
		}
	}
	return out, nil
}

func (d *data) DeleteSnapshot(_ context.Context, id string) error {
	if _, ok := d.Snapshots[id]; !ok {
		return faults.NotFoundf("snapshot", id)
	}
	delete(d.Snapshots, id)
	delete(d.SnapshotStates, id)
	for i, sid := range d.SnapshotOrder {
		if sid == id {
			d.SnapshotOrder = append(d.SnapshotOrder[:i], d.SnapshotOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (d *data) CaptureState(ctx context.Context) (*model.SnapshotState, error) {
	state := &model.SnapshotState{Memberships: map[string][]string{}}
	notes, _ := d.ListNotes(ctx, storage.NoteFilter{})
	state.Notes = notes
	for _, n := range notes {
		if draft, err := d.GetDraft(ctx, n.ID); err == nil {
			state.Drafts = append(state.Drafts, draft)
		}
		vs, _ := d.ListVersions(ctx, n.ID)
		state.Versions = append(state.Versions, vs...)
		ps, _ := d.ListPublications(ctx, n.ID)
		state.Publications = append(state.Publications, ps...)
		cols, _ := d.CollectionsForNote(ctx, n.ID)
		if len(cols) > 0 {
			state.Memberships[n.ID] = cols
		}
	}
	cols, _ := d.ListCollections(ctx)
	state.Collections = cols
	return state, nil
}

func (d *data) RestoreState(ctx context.Context, state *model.SnapshotState) error {
	d.Notes = map[string]*model.Note{}
	d.Drafts = map[string]*model.Draft{}
	d.Versions = map[string]*model.Version{}
	d.VersionOrder = map[string][]string{}
	d.Publications = map[string]*model.Publication{}
	d.PubOrder = nil
	d.Collections = map[string]*model.Collection{}
	d.CollByName = map[string]string{}
	d.Memberships = map[string]map[string]bool{}

	for _, c := range state.Collections {
		if err := d.PutCollection(ctx, c); err != nil {
			return err
		}
	}
	for _, n := range state.Notes {
		if err := d.PutNote(ctx, n); err != nil {
			return err
		}
	}
	for _, draft := range state.Drafts {
		if err := d.PutDraft(ctx, draft); err != nil {
			return err
		}
	}
	// Versions arrive newest-first per note from CaptureState; replay
	// oldest-first so VersionOrder rebuilds correctly.
	byNote := map[string][]*model.Version{}
	for _, v := range state.Versions {
		byNote[v.NoteID] = append(byNote[v.NoteID], v)
	}
	for _, vs := range byNote {
		sort.Slice(vs, func(i, j int) bool {
			if vs[i].CreatedAt.Equal(vs[j].CreatedAt) {
				return vs[i].ID < vs[j].ID
			}
			return vs[i].CreatedAt.Before(vs[j].CreatedAt)
		})
		for _, v := range vs {
			if err := d.PutVersion(context.Background(), v); err != nil {
				return err
			}
		}
	}
	pubs := append([]*model.Publication(nil), state.Publications...)
	sort.Slice(pubs, func(i, j int) bool {
		if pubs[i].PublishedAt.Equal(pubs[j].PublishedAt) {
			return pubs[i].ID < pubs[j].ID
		}
		return pubs[i].PublishedAt.Before(pubs[j].PublishedAt)
	})
	for _, p := range pubs {
		if err := d.PutPublication(ctx, p); err != nil {
			return err
		}
	}
	for noteID, colIDs := range state.Memberships {
		for _, col := range colIDs {
			if err := d.AddNoteToCollection(ctx, noteID, col); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- data: idempotency ---

func idemKey(noteID, token string) string { return noteID + "|" + token }

func (d *data) GetIdempotency(_ context.Context, noteID, token string) (*model.IdempotencyRecord, error) {
	rec, ok := d.Idempotency[idemKey(noteID, token)]
	if !ok {
		return nil, faults.NotFoundf("idempotency record", token)
	}
	return cloneJSON(rec), nil
}

func (d *data) PutIdempotency(_ context.Context, rec *model.IdempotencyRecord) error {
	key := idemKey(rec.NoteID, rec.ClientToken)
	if _, ok := d.Idempotency[key]; ok {
		return faults.New(faults.Conflict, "idempotency record exists for token %s", rec.ClientToken)
	}
	d.Idempotency[key] = cloneJSON(rec)
	return nil
}

// --- data: outbox ---

func (d *data) EnqueueVisibility(_ context.Context, ev *model.VisibilityEvent) error {
	key := ev.VersionID + "|" + ev.Op
	if d.EventKeys[key] {
		return nil
	}
	d.EventSeq++
	stored := cloneJSON(ev)
	stored.Seq = d.EventSeq
	stored.Status = model.EventPending
	stored.Attempts = 0
	d.Events = append(d.Events, stored)
	d.EventKeys[key] = true
	return nil
}

func (d *data) PendingVisibility(_ context.Context, limit int) ([]*model.VisibilityEvent, error) {
	if limit <= 0 {
		limit = 32
	}
	var out []*model.VisibilityEvent
	for _, ev := range d.Events {
		if ev.Status != model.EventPending {
			continue
		}
		out = append(out, cloneJSON(ev))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *data) MarkVisibility(_ context.Context, seq int64, status string, attempts int, lastError string) error {
	for _, ev := range d.Events {
		if ev.Seq == seq {
			ev.Status = status
			ev.Attempts = attempts
			ev.LastError = lastError
			return nil
		}
	}
	return faults.New(faults.NotFound, "visibility event %d not found", seq)
}

func (d *data) VisibilityBacklog(_ context.Context) (pending, parked int, err error) {
	for _, ev := range d.Events {
		switch ev.Status {
		case model.EventPending:
			pending++
		case model.EventParked:
			parked++
		}
	}
	return pending, parked, nil
}
