package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSendsBasicAuthFromGenericHeaders(t *testing.T) {
	var gotUser, gotPass string
	var ok bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, ok = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	c.SetRoot(srv.URL)
	c.SetHeader("__auth_user", "alice")
	c.SetHeader("__auth_pass", "secret")

	resp, err := c.Call(&Opts{Method: "GET", Path: "/x", NoResponse: true})
	require.NoError(t, err)
	_ = resp

	assert.True(t, ok)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "secret", gotPass)
}

func TestAuthHeadersAreNotForwardedAsHeaders(t *testing.T) {
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("__auth_user") != "" {
			sawHeader = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	c.SetRoot(srv.URL)
	c.SetHeader("__auth_user", "alice")
	c.SetHeader("__auth_pass", "secret")

	_, err := c.Call(&Opts{Method: "GET", Path: "/x", NoResponse: true})
	require.NoError(t, err)
	assert.False(t, sawHeader)
}

func TestCallReturnsErrorHandlerResultOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	c.SetRoot(srv.URL)
	_, err := c.Call(&Opts{Method: "GET", Path: "/x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestCallJSONDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"bob"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	c.SetRoot(srv.URL)

	var out struct {
		Name string `json:"name"`
	}
	_, err := c.CallJSON(&Opts{Method: "GET", Path: "/x"}, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "bob", out.Name)
}

func TestReadBodyClosesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	data, err := ReadBody(resp)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	_, err = resp.Body.Read(make([]byte, 1))
	assert.Error(t, err)
}
