package overlay

import (
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/rqtree/rqshare/queue"
	"github.com/rqtree/rqshare/rqerrors"
)

// normalizeName applies NFKD normalization so name comparisons in List
// treat differently-normalized forms of the same Unicode text as equal
// (spec §6 "Unicode"), grounded on cmd/bisync/deltas.go's use of
// golang.org/x/text/unicode/norm for the same purpose.
func normalizeName(s string) string {
	return norm.NFKD.String(s)
}

// Listing is one entry returned by List: an overlay file's name, lifecycle
// state, and whatever size/mtime metadata is known for it.
type Listing struct {
	Name    string
	State   State
	Size    int64
	ModTime time.Time
}

// List implements the spec §4.1.3 merge algorithm. dir is the directory
// whose direct children are listed (the spec's "pattern P" is always a
// directory glob like "/a/*" in its own scenarios; this API takes the
// directory D directly since there is no glob matching left to do once D
// is known).
func (t *Tree) List(dir string) ([]Listing, error) {
	dir = cleanDir(dir)

	// Step 1: remote listing. Fatal on error (spec §7: read-path errors
	// from R are fatal), except NotFound, which is treated as an empty
	// remote directory.
	remoteFiles, err := t.R.List(dir)
	if err != nil && !rqerrors.Is(err, rqerrors.NotFound) {
		return nil, rqerrors.Wrap(rqerrors.Remote, err, "list "+dir)
	}
	sort.Slice(remoteFiles, func(i, j int) bool { return remoteFiles[i].Name < remoteFiles[j].Name })

	// Step 2: no cached state to merge against.
	if !t.L.Exists(dir) {
		out := make([]Listing, 0, len(remoteFiles))
		for _, r := range remoteFiles {
			out = append(out, Listing{Name: joinName(dir, r.Name), State: StateRemoteOnly, Size: r.Size, ModTime: r.ModTime})
		}
		return out, nil
	}

	// Step 3: fetch local listing and pending requests.
	localFiles, err := t.L.List(dir)
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "list "+dir)
	}
	pendingMethods, err := t.Q.GetMethods(dir)
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Queue, err, "list pending requests for "+dir)
	}

	var out []Listing
	lookup := make(map[string]int) // normalized basename -> index in out

	// Pass 1: remote entries.
	for _, r := range remoteFiles {
		base := path.Base(r.Name)
		if pendingMethods[base] == queue.DELETE {
			continue // a queued delete hides it from listing
		}
		idx := len(out)
		out = append(out, Listing{Name: joinName(dir, r.Name), State: StateRemoteOnly, Size: r.Size, ModTime: r.ModTime})
		lookup[normalizeName(base)] = idx
	}

	// Pass 2: local entries.
	for _, l := range localFiles {
		base := l.Name()
		if t.Opt.IsTempFile(base) {
			out = append(out, Listing{Name: joinName(dir, base), State: StateTemp})
			continue
		}
		key := normalizeName(base)
		logicalName := joinName(dir, base)
		if idx, ok := lookup[key]; ok {
			// Tie-break: merged entry uses the local path (spec §4.1.3
			// "Tie-breaks"); local and remote paths are expected equal
			// modulo normalization.
			out[idx].Name = logicalName
			out[idx].State = StateSynced
			continue
		}
		if t.W.Exists(markerName(logicalName)) {
			out = append(out, Listing{Name: logicalName, State: StateLocalOnly})
			continue
		}
		// Orphaned: previously synced, now absent from R, no marker.
		if t.canDelete(logicalName) {
			if l.IsDirectory() {
				_ = t.L.DeleteDirectory(logicalName)
			} else {
				_ = t.L.Delete(logicalName)
			}
			_ = t.W.Delete(markerName(logicalName))
			continue // excluded from output
		}
		out = append(out, Listing{Name: logicalName, State: StateLocalOnly})
		t.emit(Event{Kind: EventConflict, Name: logicalName})
	}

	return out, nil
}

func cleanDir(dir string) string {
	dir = strings.TrimSuffix(dir, "/*")
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = "/"
	}
	return dir
}

func joinName(dir, base string) string {
	if dir == "/" {
		return "/" + base
	}
	return dir + "/" + base
}
