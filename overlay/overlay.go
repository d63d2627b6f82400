// Package overlay implements the Request-Queue Overlay Tree (RQ tree): the
// core merge algorithm between local and remote listings, the queueing of
// mutating operations, and the lifecycle coordination with the background
// sync processor. See spec §4.1.
package overlay

import (
	"path"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rqtree/rqshare/localtree"
	"github.com/rqtree/rqshare/queue"
	"github.com/rqtree/rqshare/remotetree"
	"github.com/rqtree/rqshare/rqerrors"
	"github.com/rqtree/rqshare/vfscommon"
)

// CacheInvalidator is the slice of the Share collaborator the overlay tree
// needs: invalidate (never mutate) the content cache for a directory.
// Injecting only this interface — not the whole Share — is what breaks the
// tree/processor/share reference cycle flagged in spec §9.
type CacheInvalidator interface {
	InvalidateContentCache(parentPath string, recursive bool)
}

// EventKind identifies a lifecycle event the overlay tree can raise.
type EventKind string

// Event kinds the overlay tree emits. syncstart/syncend/syncerr/purged are
// raised by the sync processor (package syncproc); the overlay tree itself
// only ever raises Conflict (spec §4.1.3 step 4).
const (
	EventConflict EventKind = "conflict"
)

// Event is a lifecycle notification raised during a Tree operation.
type Event struct {
	Kind EventKind
	Name string
	Err  error
}

// Tree is the Request-Queue Overlay Tree.
type Tree struct {
	L    *localtree.Tree // local content cache
	W    *localtree.Tree // sidecar work tree
	R    *remotetree.Tree
	Q    *queue.Queue
	Opt  *vfscommon.Options
	Cache CacheInvalidator

	Events chan Event // buffered; overlay tree never blocks sending to it

	mu           sync.Mutex
	createdFiles map[string]bool // spec §3/§9: per-tree set, drained on close
	openCount    map[string]int  // open handle refcount per logical name, for canDelete
}

// New constructs an overlay tree over its collaborators.
func New(l, w *localtree.Tree, r *remotetree.Tree, q *queue.Queue, opt *vfscommon.Options, cache CacheInvalidator) *Tree {
	return &Tree{
		L: l, W: w, R: r, Q: q, Opt: opt, Cache: cache,
		Events:       make(chan Event, 64),
		createdFiles: make(map[string]bool),
		openCount:    make(map[string]int),
	}
}

func (t *Tree) emit(ev Event) {
	select {
	case t.Events <- ev:
	default:
		logrus.WithFields(logrus.Fields{"kind": ev.Kind, "name": ev.Name}).Warn("overlay: event channel full, dropping event")
	}
}

func markerName(name string) string { return name + ".rqcf" }

func parentOf(name string) string {
	p := path.Dir(strings.TrimSuffix(name, "/"))
	if p == "." {
		return "/"
	}
	return p
}

// Exists implements spec §4.1.1: a locally-present file is guaranteed
// visible even when offline from R.
func (t *Tree) Exists(name string) bool {
	if t.L.Exists(name) {
		return true
	}
	ok, err := t.R.Exists(name)
	if err != nil {
		return false
	}
	return ok
}

// trackOpen/untrackOpen maintain the open-handle refcount canDelete (spec
// §4.1.10) consults.
func (t *Tree) trackOpen(name string) {
	t.mu.Lock()
	t.openCount[name]++
	t.mu.Unlock()
}

func (t *Tree) untrackOpen(name string) {
	t.mu.Lock()
	if n := t.openCount[name]; n <= 1 {
		delete(t.openCount, name)
	} else {
		t.openCount[name] = n - 1
	}
	t.mu.Unlock()
}

func (t *Tree) isOpen(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openCount[name] > 0
}

// markCreated records name in the in-memory createdFiles set, used to
// distinguish a fresh creation from a later modification when the file is
// closed (spec §4.1.4 step 3).
func (t *Tree) markCreated(name string) {
	t.mu.Lock()
	t.createdFiles[name] = true
	t.mu.Unlock()
}

// wasCreated reports and clears whether name was created by this session.
func (t *Tree) wasCreated(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.createdFiles[name] {
		delete(t.createdFiles, name)
		return true
	}
	return false
}

// Open implements spec §4.1.2.
func (t *Tree) Open(name string) (*File, error) {
	remoteExists, localExists, err := t.existsBoth(name)
	if err != nil {
		return nil, err
	}
	switch {
	case remoteExists && !localExists:
		return newRemoteOnlyFile(t, name), nil
	case remoteExists && localExists:
		return newSyncedFile(t, name), nil
	case !remoteExists && localExists:
		return newLocalOnlyFile(t, name), nil
	default:
		return nil, rqerrors.Newf(rqerrors.NotFound, "open %s: not found", name)
	}
}

// existsBoth computes (remoteExists, localExists) concurrently, per spec
// §4.1.2 ("Compute (remoteExists, localExists) in parallel") and §5's
// fan-out/fan-in guidance.
func (t *Tree) existsBoth(name string) (remoteExists, localExists bool, err error) {
	if t.Opt.IsTempFile(name) {
		// Temp files never touch R.
		return false, t.L.Exists(name), nil
	}
	var wg sync.WaitGroup
	var remoteErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok, rerr := t.R.Exists(name)
		remoteExists, remoteErr = ok, rerr
	}()
	localExists = t.L.Exists(name)
	wg.Wait()
	if remoteErr != nil {
		// Read-path errors from R are fatal to the operation (spec §7).
		return false, localExists, rqerrors.Wrap(rqerrors.Remote, remoteErr, "check remote existence of "+name)
	}
	return remoteExists, localExists, nil
}

// CreateFile implements spec §4.1.4.
func (t *Tree) CreateFile(name string) (*File, error) {
	if _, err := t.L.CreateFile(name); err != nil {
		return nil, err
	}
	if !t.Opt.IsTempFile(name) {
		if _, err := t.W.CreateFile(markerName(name)); err != nil {
			logrus.WithFields(logrus.Fields{"name": name, "err": err}).Warn("overlay: failed to write creation marker")
		}
		t.markCreated(name)
	}
	t.Cache.InvalidateContentCache(parentOf(name), false)
	return newLocalOnlyFile(t, name), nil
}

// CreateDirectory implements spec §4.1.5: directory creation is eager on
// R, never queued (invariant 4).
func (t *Tree) CreateDirectory(name string) error {
	if _, err := t.L.CreateDirectory(name); err != nil {
		return err
	}
	if err := t.R.CreateDirectory(name); err != nil {
		return err
	}
	t.Cache.InvalidateContentCache(parentOf(name), false)
	return nil
}

// Delete implements spec §4.1.6.
func (t *Tree) Delete(name string) error {
	if !t.L.Exists(name) {
		return t.R.Delete(name)
	}
	if err := t.L.Delete(name); err != nil {
		return err
	}
	t.Cache.InvalidateContentCache(parentOf(name), false)
	t.queueData(name, queue.DELETE, "")
	if !t.Opt.IsTempFile(name) {
		_ = t.W.Delete(markerName(name))
	}
	return nil
}

// DeleteDirectory implements spec §4.1.7.
func (t *Tree) DeleteDirectory(name string) error {
	if !t.L.Exists(name) {
		return t.R.DeleteDirectory(name)
	}
	if err := t.L.DeleteDirectory(name); err != nil {
		return err
	}
	if err := t.R.DeleteDirectory(name); err != nil {
		return err
	}
	if err := t.Q.RemovePath(name); err != nil {
		logrus.WithFields(logrus.Fields{"name": name, "err": err}).Error("overlay: failed to purge queue entries for deleted directory")
	}
	if t.W.Exists(name) {
		_ = t.W.DeleteDirectory(name)
	}
	return nil
}

// Rename implements spec §4.1.8.
func (t *Tree) Rename(oldName, newName string) error {
	if !t.L.Exists(oldName) {
		return t.R.Move(oldName, newName)
	}
	isDir := false
	if h, err := t.L.Open(oldName); err == nil {
		isDir = h.IsDirectory()
	}

	if err := t.L.Rename(oldName, newName); err != nil {
		return err
	}
	t.Cache.InvalidateContentCache(parentOf(oldName), false)
	t.Cache.InvalidateContentCache(parentOf(newName), false)

	if t.W.Exists(markerName(oldName)) {
		_ = t.W.Rename(markerName(oldName), markerName(newName))
	}
	if t.W.Exists(oldName) {
		_ = t.W.Rename(oldName, newName)
	}

	oldTemp, newTemp := t.Opt.IsTempFile(oldName), t.Opt.IsTempFile(newName)

	if isDir {
		if err := t.R.Move(oldName, newName); err != nil {
			return err
		}
		if err := t.Q.UpdatePath(oldName, newName); err != nil {
			logrus.WithFields(logrus.Fields{"old": oldName, "new": newName, "err": err}).Error("overlay: failed to re-parent queue entries for renamed directory")
		}
		return nil
	}

	if oldTemp && newTemp {
		return nil // both temp: never queued
	}
	t.queueData(newName, queue.MOVE, oldName)
	return nil
}

// queueData implements spec §4.1.9: skip temp names, otherwise append an
// entry to Q under key parent(name). For MOVE, name is the destination
// and srcName carries the source so the recorded entry matches §3's
// {method, path, destPath} shape with path as the *source* name. A MOVE
// is skipped only when *both* sides are temp (spec §4.1.8 "Temp files":
// a rename where only one side is temp is queued, since the file is
// entering or leaving the persistent namespace); for every other method
// the single name is decisive.
func (t *Tree) queueData(name string, method queue.Method, srcName string) {
	if method == queue.MOVE {
		if t.Opt.IsTempFile(name) && t.Opt.IsTempFile(srcName) {
			return
		}
	} else if t.Opt.IsTempFile(name) {
		return
	}
	entryPath := name
	destPath := ""
	if method == queue.MOVE {
		entryPath = srcName
		destPath = name
	}
	entry := queue.Entry{
		Method:       method,
		Path:         entryPath,
		DestPath:     destPath,
		RemotePrefix: t.Opt.Remote.Prefix,
		LocalPrefix:  t.Opt.Local.Path,
	}
	parent := parentOf(entryPath)
	if err := t.Q.QueueRequest(parent, entry); err != nil {
		// Errors from Q during enqueue are logged but do not fail the
		// client-facing mutation (spec §7): local state is already
		// authoritative and the processor will retry per its own policy.
		logrus.WithFields(logrus.Fields{"path": entryPath, "method": method, "err": err}).Error("overlay: failed to enqueue mutation")
	}
}

// canDelete implements spec §4.1.10: true iff no client holds the file
// open, no pending queued operation refers to it, and no .rqcf marker
// exists for it.
func (t *Tree) canDelete(name string) bool {
	if t.isOpen(name) {
		return false
	}
	if t.W.Exists(markerName(name)) {
		return false
	}
	methods, err := t.Q.GetMethods(parentOf(name))
	if err != nil {
		// Be conservative: if we can't confirm the queue state, don't delete.
		return false
	}
	if _, pending := methods[path.Base(name)]; pending {
		return false
	}
	return true
}
