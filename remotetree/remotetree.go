// Package remotetree implements the Remote tree (R) collaborator from
// spec §6: read/write access to the remote content repository over HTTP.
// It speaks a small JSON directory-listing protocol plus plain
// GET/PUT/DELETE for bytes, modeled on the teacher's B2 backend
// (b2/b2.go) — a bucket/object HTTP API wrapped around a rest.Client.
package remotetree

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rqtree/rqshare/pacer"
	"github.com/rqtree/rqshare/rest"
	"github.com/rqtree/rqshare/rqerrors"
)

// Entry describes one entry in a remote directory listing.
type Entry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Tree is the HTTP-backed remote content repository.
type Tree struct {
	client *rest.Client
	prefix string // URL path prefix all resource URLs are built under
	pacer  *pacer.Pacer
}

// New creates a Tree talking to a repository at rootURL, authenticating
// with client (already configured for Basic or NTLM auth as required).
func New(client *rest.Client, rootURL, prefix string) *Tree {
	client.SetRoot(strings.TrimSuffix(rootURL, "/"))
	return &Tree{
		client: client,
		prefix: prefix,
		pacer:  pacer.New().SetMinSleep(50 * time.Millisecond).SetMaxSleep(5 * time.Second).SetDecayConstant(2),
	}
}

// SetPacer reconfigures the low-level transient-failure retry pacing (the
// per-HTTP-call network/5xx retries shouldRetry governs), overriding the
// fixed defaults New sets. share.New calls this with the operator-configured
// backoff bounds so the repository's own retry behavior is tunable rather
// than hardcoded; tests use it to keep a forced-failure case fast.
func (t *Tree) SetPacer(minSleep, maxSleep time.Duration, retries int) *Tree {
	t.pacer = pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(2).SetRetries(retries)
	return t
}

func (t *Tree) resourcePath(name string) string {
	return path.Join("/", t.prefix, name)
}

// BuildResourceURL returns the URL path, relative to the repository root,
// an open file should be fetched from or stored to (spec §6). The result
// carries no scheme or host.
func (t *Tree) BuildResourceURL(name string) (*url.URL, error) {
	return url.Parse(t.resourcePath(name))
}

// shouldRetry classifies an HTTP error as transient (network error or 5xx)
// or permanent, per spec §4.2's failure policy.
func shouldRetry(err error, status int) bool {
	if err != nil && status == 0 {
		return true // network-level failure
	}
	return status >= 500
}

// Exists reports whether name is present on R.
func (t *Tree) Exists(name string) (bool, error) {
	var status int
	err := t.pacer.Call(func() (bool, error) {
		resp, err := t.client.Call(&rest.Opts{
			Method:       "HEAD",
			Path:         t.resourcePath(name),
			NoResponse:   true,
			IgnoreStatus: true,
		})
		if resp != nil {
			status = resp.StatusCode
		}
		return shouldRetry(err, status), err
	})
	if err != nil {
		return false, rqerrors.WrapRemote(err, status, "HEAD "+name)
	}
	return status >= 200 && status < 300, nil
}

// List returns the direct children of dir.
func (t *Tree) List(dir string) ([]Entry, error) {
	var entries []Entry
	var status int
	err := t.pacer.Call(func() (bool, error) {
		resp, err := t.client.CallJSON(&rest.Opts{
			Method:       "GET",
			Path:         t.resourcePath(dir),
			Parameters:   url.Values{"list": {"1"}},
			IgnoreStatus: true,
		}, nil, &entries)
		if resp != nil {
			status = resp.StatusCode
		}
		if status == http.StatusNotFound {
			return false, rqerrors.New(rqerrors.NotFound, "list "+dir)
		}
		if status != 0 && (status < 200 || status > 299) {
			return shouldRetry(err, status), fmt.Errorf("list %s: status %d", dir, status)
		}
		return shouldRetry(err, status), err
	})
	if err != nil {
		if rqerrors.Is(err, rqerrors.NotFound) {
			return nil, err
		}
		return nil, rqerrors.WrapRemote(err, status, "list "+dir)
	}
	return entries, nil
}

// Open fetches the bytes of name from R.
func (t *Tree) Open(name string) (io.ReadCloser, error) {
	resp, err := t.client.Call(&rest.Opts{
		Method:       "GET",
		Path:         t.resourcePath(name),
		IgnoreStatus: true,
	})
	if err != nil {
		return nil, rqerrors.WrapRemote(err, 0, "open "+name)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, rqerrors.New(rqerrors.NotFound, "open "+name)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, rqerrors.WrapRemote(fmt.Errorf("status %d", resp.StatusCode), resp.StatusCode, "open "+name)
	}
	return resp.Body, nil
}

// Put uploads data as the full contents of name, creating it if absent.
func (t *Tree) Put(name string, data []byte) error {
	var status int
	err := t.pacer.Call(func() (bool, error) {
		resp, err := t.client.Call(&rest.Opts{
			Method:       "PUT",
			Path:         t.resourcePath(name),
			Body:         bytes.NewReader(data),
			ContentType:  "application/octet-stream",
			NoResponse:   true,
			IgnoreStatus: true,
		})
		if resp != nil {
			status = resp.StatusCode
		}
		if status != 0 && (status < 200 || status > 299) {
			return shouldRetry(err, status), fmt.Errorf("put %s: status %d", name, status)
		}
		return shouldRetry(err, status), err
	})
	if err != nil {
		return rqerrors.WrapRemote(err, status, "put "+name)
	}
	return nil
}

// CreateDirectory creates name as a directory on R. Directory creation is
// eager (spec §4.1.5, invariant 4), so this is called synchronously from
// the overlay tree rather than queued.
func (t *Tree) CreateDirectory(name string) error {
	var status int
	err := t.pacer.Call(func() (bool, error) {
		resp, err := t.client.Call(&rest.Opts{
			Method:       "POST",
			Path:         t.resourcePath(name),
			Parameters:   url.Values{"mkdir": {"1"}},
			NoResponse:   true,
			IgnoreStatus: true,
		})
		if resp != nil {
			status = resp.StatusCode
		}
		if status == http.StatusConflict {
			return false, nil // already exists: treat as success
		}
		if status != 0 && (status < 200 || status > 299) {
			return shouldRetry(err, status), fmt.Errorf("mkdir %s: status %d", name, status)
		}
		return shouldRetry(err, status), err
	})
	if err != nil {
		return rqerrors.WrapRemote(err, status, "mkdir "+name)
	}
	return nil
}

// Delete removes name from R. A 404 is treated as success (spec §4.2).
func (t *Tree) Delete(name string) error {
	var status int
	err := t.pacer.Call(func() (bool, error) {
		resp, err := t.client.Call(&rest.Opts{
			Method:       "DELETE",
			Path:         t.resourcePath(name),
			NoResponse:   true,
			IgnoreStatus: true,
		})
		if resp != nil {
			status = resp.StatusCode
		}
		if status == http.StatusNotFound {
			return false, nil
		}
		if status != 0 && (status < 200 || status > 299) {
			return shouldRetry(err, status), fmt.Errorf("delete %s: status %d", name, status)
		}
		return shouldRetry(err, status), err
	})
	if err != nil {
		return rqerrors.WrapRemote(err, status, "delete "+name)
	}
	return nil
}

// DeleteDirectory removes the directory name and, implicitly, its remote
// subtree (directory deletion is eager, spec §4.1.7).
func (t *Tree) DeleteDirectory(name string) error {
	var status int
	err := t.pacer.Call(func() (bool, error) {
		resp, err := t.client.Call(&rest.Opts{
			Method:       "DELETE",
			Path:         t.resourcePath(name),
			Parameters:   url.Values{"recursive": {"1"}},
			NoResponse:   true,
			IgnoreStatus: true,
		})
		if resp != nil {
			status = resp.StatusCode
		}
		if status == http.StatusNotFound {
			return false, nil
		}
		if status != 0 && (status < 200 || status > 299) {
			return shouldRetry(err, status), fmt.Errorf("delete directory %s: status %d", name, status)
		}
		return shouldRetry(err, status), err
	})
	if err != nil {
		return rqerrors.WrapRemote(err, status, "delete directory "+name)
	}
	return nil
}

// Move renames oldName to newName on R. Directory moves are eager (spec
// §4.1.8 step 5); file moves arrive here via the sync processor replaying
// a queued MOVE entry.
func (t *Tree) Move(oldName, newName string) error {
	var status int
	err := t.pacer.CallNoRetry(func() (bool, error) {
		resp, err := t.client.Call(&rest.Opts{
			Method:       "MOVE",
			Path:         t.resourcePath(oldName),
			ExtraHeaders: map[string]string{"Destination": t.resourcePath(newName)},
			NoResponse:   true,
			IgnoreStatus: true,
		})
		if resp != nil {
			status = resp.StatusCode
		}
		return false, err
	})
	if err != nil {
		return rqerrors.WrapRemote(err, status, "move "+oldName+" to "+newName)
	}
	if status < 200 || status > 299 {
		return rqerrors.WrapRemote(fmt.Errorf("status %d", status), status, "move "+oldName+" to "+newName)
	}
	return nil
}
