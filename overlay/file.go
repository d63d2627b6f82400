package overlay

import (
	"io"
	"os"
	"sync"

	"github.com/rqtree/rqshare/queue"
	"github.com/rqtree/rqshare/rqerrors"
)

// State is the lifecycle state of an overlay file, per spec §3.
type State int

// The four overlay file states.
const (
	StateRemoteOnly State = iota // only R has it
	StateLocalOnly                // only L has it
	StateSynced                   // present in both
	StateTemp                     // matches the temp file pattern, never queued
)

func (s State) String() string {
	switch s {
	case StateRemoteOnly:
		return "RemoteOnly"
	case StateLocalOnly:
		return "LocalOnly"
	case StateSynced:
		return "Synced"
	case StateTemp:
		return "Temp"
	default:
		return "Unknown"
	}
}

// File is a virtual overlay file, per spec §3 "Overlay file". Its close
// hook calls back into queueData, matching spec §6's "Overlay file ...
// close/flush hooks call back into queueData" and the teacher's
// ReadFileHandle (cmd/mountlib/read.go) convention of a handle that owns
// its own lifecycle bookkeeping.
type File struct {
	tree *Tree
	name string

	mu    sync.Mutex
	state State
	local *os.File
}

func newRemoteOnlyFile(t *Tree, name string) *File {
	t.trackOpen(name)
	return &File{tree: t, name: name, state: StateRemoteOnly}
}

func newLocalOnlyFile(t *Tree, name string) *File {
	t.trackOpen(name)
	st := StateLocalOnly
	if t.Opt.IsTempFile(name) {
		st = StateTemp
	}
	return &File{tree: t, name: name, state: st}
}

func newSyncedFile(t *Tree, name string) *File {
	t.trackOpen(name)
	return &File{tree: t, name: name, state: StateSynced}
}

// Name returns the overlay file's logical name.
func (f *File) Name() string { return f.name }

// State returns the overlay file's current lifecycle state.
func (f *File) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ensureLocal returns a local *os.File backing this handle, materializing
// remote bytes into L on first use (spec §3 Lifecycle: "A file in
// RemoteOnly transitions to Synced on first local open that materializes
// bytes").
func (f *File) ensureLocal() (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.local != nil {
		return f.local, nil
	}
	if f.state == StateRemoteOnly {
		rc, err := f.tree.R.Open(f.name)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, rqerrors.Wrap(rqerrors.Io, err, "materialize "+f.name)
		}
		if err := f.tree.L.WriteAll(f.name, data); err != nil {
			return nil, err
		}
		f.state = StateSynced
	}
	h, err := f.tree.L.Open(f.name)
	if err != nil {
		return nil, err
	}
	fh, err := h.Open()
	if err != nil {
		return nil, err
	}
	f.local = fh
	return fh, nil
}

// Read reads from the overlay file, materializing from R first if needed.
func (f *File) Read(p []byte) (int, error) {
	fh, err := f.ensureLocal()
	if err != nil {
		return 0, err
	}
	return fh.Read(p)
}

// Write writes to the overlay file. Writes always land locally (spec
// §4.1.2 table: "writes land locally, reads prefer local").
func (f *File) Write(p []byte) (int, error) {
	fh, err := f.ensureLocal()
	if err != nil {
		return 0, err
	}
	return fh.Write(p)
}

// Seek repositions the overlay file's read/write offset.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	fh, err := f.ensureLocal()
	if err != nil {
		return 0, err
	}
	return fh.Seek(offset, whence)
}

// Close flushes and closes the overlay file. If this handle was the one
// that created the file (spec §4.1.4 step 3's createdFiles set), closing
// it is what enqueues the deferred PUT (spec §4.1.4 "Queueing of the PUT
// is deferred to file-close").
func (f *File) Close() error {
	f.mu.Lock()
	local := f.local
	name := f.name
	f.mu.Unlock()

	f.tree.untrackOpen(name)

	var cerr error
	if local != nil {
		cerr = local.Close()
	}
	if f.tree.wasCreated(name) {
		f.tree.queueData(name, queue.PUT, "")
	}
	return cerr
}
