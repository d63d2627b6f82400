package remotetree

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rqtree/rqshare/rest"
	"github.com/rqtree/rqshare/rqerrors"
)

func newTestTree(t *testing.T, handler http.HandlerFunc) (*Tree, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := rest.NewClient(srv.Client())
	tr := New(client, srv.URL, "/")
	return tr, srv
}

func TestExistsTrueOn200(t *testing.T) {
	tr, _ := newTestTree(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ok, err := tr.Exists("/a/b.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExistsFalseOn404(t *testing.T) {
	tr, _ := newTestTree(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ok, err := tr.Exists("/a/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListReturnsNotFoundOn404(t *testing.T) {
	tr, _ := newTestTree(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := tr.List("/missing")
	require.Error(t, err)
	assert.True(t, rqerrors.Is(err, rqerrors.NotFound))
}

func TestListDecodesEntries(t *testing.T) {
	tr, _ := newTestTree(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]Entry{
			{Name: "a.txt", Size: 3},
			{Name: "sub", IsDir: true},
		})
	})
	entries, err := tr.List("/dir")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.True(t, entries[1].IsDir)
}

func TestPutSendsBody(t *testing.T) {
	var received []byte
	tr, _ := newTestTree(t, func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})
	err := tr.Put("/a/b.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(received))
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	tr, _ := newTestTree(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, tr.Delete("/gone.txt"))
}

func TestMoveSetsDestinationHeader(t *testing.T) {
	var dest string
	tr, _ := newTestTree(t, func(w http.ResponseWriter, r *http.Request) {
		dest = r.Header.Get("Destination")
		w.WriteHeader(http.StatusNoContent)
	})
	err := tr.Move("/old.txt", "/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "/new.txt", dest)
}

func TestCreateDirectoryConflictIsSuccess(t *testing.T) {
	tr, _ := newTestTree(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	assert.NoError(t, tr.CreateDirectory("/dir"))
}
