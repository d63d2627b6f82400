package syncproc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rqtree/rqshare/localtree"
	"github.com/rqtree/rqshare/queue"
	"github.com/rqtree/rqshare/remotetree"
	"github.com/rqtree/rqshare/rest"
	"github.com/rqtree/rqshare/vfscommon"
)

// fakeRemote is the same tiny in-memory repository double overlay_test.go
// uses, reproduced here so this package's tests don't depend on overlay's
// test-only types across package boundaries.
type fakeRemote struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
	status  map[string]int // method -> forced status code override, 0 = normal
}

type fakeEntry struct {
	data []byte
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{entries: map[string]*fakeEntry{}, status: map[string]int{}}
}

func (f *fakeRemote) forceStatus(method string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[method] = code
}

func (f *fakeRemote) seedFile(p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[p] = &fakeEntry{data: data}
}

func (f *fakeRemote) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		f.mu.Lock()
		defer f.mu.Unlock()

		if code := f.status[r.Method]; code != 0 {
			w.WriteHeader(code)
			return
		}

		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("list") == "1" {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode([]remotetree.Entry{})
				return
			}
			e, ok := f.entries[p]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(e.data)
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			f.entries[p] = &fakeEntry{data: data}
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			if _, ok := f.entries[p]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.entries, p)
			w.WriteHeader(http.StatusNoContent)
		case "MOVE":
			e, ok := f.entries[p]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			dest := r.Header.Get("Destination")
			delete(f.entries, p)
			f.entries[dest] = e
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func newTestProcessor(t *testing.T) (*Processor, *fakeRemote, *localtree.Tree) {
	t.Helper()
	remote := newFakeRemote()
	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	client := rest.NewClient(srv.Client())
	r := remotetree.New(client, srv.URL, "/").SetPacer(time.Millisecond, 2*time.Millisecond, 1)
	w := localtree.New(t.TempDir())

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	opt := vfscommon.DefaultOpt
	opt.Sync.RetryLimit = 2
	opt.Init()

	return New(q, r, w, &opt), remote, w
}

func TestDrainPutRemovesMarkerAndEntry(t *testing.T) {
	p, remote, w := newTestProcessor(t)
	local := localtree.New(t.TempDir())
	require.NoError(t, local.WriteAll("/a/x.txt", []byte("hello")))
	_, err := w.CreateFile("/a/x.txt.rqcf")
	require.NoError(t, err)

	require.NoError(t, p.Q.QueueRequest("/a", queue.Entry{
		ID: "e1", Method: queue.PUT, Path: "/a/x.txt",
		RemotePrefix: "/", LocalPrefix: local.Root,
	}))

	require.NoError(t, p.drainParent(context.Background(), "/a"))

	remote.mu.Lock()
	data := remote.entries["/a/x.txt"]
	remote.mu.Unlock()
	require.NotNil(t, data)
	assert.Equal(t, "hello", string(data.data))

	assert.False(t, w.Exists("/a/x.txt.rqcf"))
	entries, err := p.Q.GetRequests("/a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	require.NoError(t, p.Q.QueueRequest("/a", queue.Entry{
		ID: "e1", Method: queue.DELETE, Path: "/a/gone.txt",
	}))

	require.NoError(t, p.drainParent(context.Background(), "/a"))

	entries, err := p.Q.GetRequests("/a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainPermanentFailurePurgesAfterRetryLimit(t *testing.T) {
	p, remote, _ := newTestProcessor(t) // opt.Sync.RetryLimit == 2
	remote.forceStatus(http.MethodPut, http.StatusForbidden)

	local := localtree.New(t.TempDir())
	require.NoError(t, local.WriteAll("/a/x.txt", []byte("x")))
	require.NoError(t, p.Q.QueueRequest("/a", queue.Entry{
		ID: "e1", Method: queue.PUT, Path: "/a/x.txt", LocalPrefix: local.Root,
	}))

	var errEvents int
	purged := make(chan Event, 1)
	go func() {
		for ev := range p.Events {
			switch ev.Kind {
			case EventSyncErr:
				errEvents++
			case EventPurged:
				purged <- ev
				return
			}
		}
	}()

	// A single drain pass retries the permanent failure up to
	// Opt.Sync.RetryLimit times before purging the entry (spec §4.2).
	require.NoError(t, p.drainParent(context.Background(), "/a"))

	select {
	case ev := <-purged:
		require.Len(t, ev.Entries, 1)
		assert.Equal(t, "/a/x.txt", ev.Entries[0].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a purged event")
	}

	entries, err := p.Q.GetRequests("/a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainTransientFailureLeavesEntryQueued(t *testing.T) {
	p, remote, _ := newTestProcessor(t)
	remote.forceStatus(http.MethodDelete, http.StatusInternalServerError)

	require.NoError(t, p.Q.QueueRequest("/a", queue.Entry{
		ID: "e1", Method: queue.DELETE, Path: "/a/x.txt",
	}))

	require.NoError(t, p.drainParent(context.Background(), "/a"))

	entries, err := p.Q.GetRequests("/a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)
}

func TestIsPermanentClassification(t *testing.T) {
	p, remote, _ := newTestProcessor(t)
	remote.forceStatus(http.MethodDelete, http.StatusBadRequest)
	err := p.R.Delete("/missing.txt")
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}
