// Package rest implements a simple REST wrapper around net/http, used by
// remotetree to talk to the remote content repository.
//
// All methods are safe for concurrent calling.
package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"sync"

	"github.com/Azure/go-ntlmssp"
	"github.com/pkg/errors"
)

// Client contains the info to sustain calls to the remote repository.
type Client struct {
	mu           sync.RWMutex
	c            *http.Client
	rootURL      string
	errorHandler func(resp *http.Response) error
	headers      map[string]string
}

// NewClient takes an http.Client and makes a new rest Client from it.
func NewClient(c *http.Client) *Client {
	return &Client{
		c:            c,
		errorHandler: defaultErrorHandler,
		headers:      make(map[string]string),
	}
}

// NewNTLMClient makes a Client whose transport negotiates NTLM, for remote
// repositories fronted by NTLM-authenticating infrastructure. username and
// password are sent as Basic Auth on the initial request; the negotiator
// completes the NTLM handshake transparently on 401.
func NewNTLMClient(base *http.Client, username, password string) *Client {
	clientCopy := *base
	clientCopy.Transport = ntlmssp.Negotiator{RoundTripper: base.Transport}
	c := NewClient(&clientCopy)
	c.SetHeader("__auth_user", username)
	c.SetHeader("__auth_pass", password)
	return c
}

// ReadBody reads resp.Body into result, closing the body.
func ReadBody(resp *http.Response) (result []byte, err error) {
	defer func() {
		if cerr := resp.Body.Close(); err == nil {
			err = cerr
		}
	}()
	return ioutil.ReadAll(resp.Body)
}

// defaultErrorHandler doesn't attempt to parse the http body, just returns
// it in the error message.
func defaultErrorHandler(resp *http.Response) (err error) {
	body, err := ReadBody(resp)
	if err != nil {
		return errors.Wrap(err, "error reading error out of body")
	}
	return errors.Errorf("HTTP error %v (%v) returned body: %q", resp.StatusCode, resp.Status, body)
}

// SetErrorHandler sets the handler used to decode an error response when
// the HTTP status code is not 2xx. The handler should close resp.Body.
func (api *Client) SetErrorHandler(fn func(resp *http.Response) error) *Client {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.errorHandler = fn
	return api
}

// SetRoot sets the default RootURL. Override per call with Opts.RootURL.
func (api *Client) SetRoot(rootURL string) *Client {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.rootURL = rootURL
	return api
}

// SetHeader sets a header sent with every request.
func (api *Client) SetHeader(key, value string) *Client {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.headers[key] = value
	return api
}

// Opts contains parameters for Call, CallJSON etc.
type Opts struct {
	Method           string // GET, PUT, POST, DELETE, MOVE
	Path             string // relative to RootURL
	RootURL          string // override RootURL passed into SetRoot()
	Body             io.Reader
	NoResponse       bool // set to close Body without reading it
	ContentType      string
	ContentLength    *int64
	ExtraHeaders     map[string]string
	UserName         string // username for Basic Auth
	Password         string // password for Basic Auth
	IgnoreStatus     bool       // if set then we don't check error status or parse error body
	Parameters       url.Values // any parameters for the final URL
	TransferEncoding []string   // transfer encoding, set to "identity" to disable chunked encoding
	Close            bool       // set to close the connection after this transaction
}

// Copy creates a copy of the options.
func (o *Opts) Copy() *Opts {
	newOpts := *o
	return &newOpts
}

// DecodeJSON decodes resp.Body into result, closing the body.
func DecodeJSON(resp *http.Response, result interface{}) (err error) {
	defer func() {
		if cerr := resp.Body.Close(); err == nil {
			err = cerr
		}
	}()
	decoder := json.NewDecoder(resp.Body)
	return decoder.Decode(result)
}

// Call makes the call and returns the http.Response.
//
// if err != nil then resp.Body will need to be closed
//
// it will return resp if at all possible, even if err is set
func (api *Client) Call(opts *Opts) (resp *http.Response, err error) {
	if opts == nil {
		return nil, errors.New("rest: Call() called with nil opts")
	}
	api.mu.RLock()
	target := api.rootURL
	headers := make(map[string]string, len(api.headers))
	for k, v := range api.headers {
		headers[k] = v
	}
	client := api.c
	errHandler := api.errorHandler
	api.mu.RUnlock()

	if opts.RootURL != "" {
		target = opts.RootURL
	}
	if target == "" {
		return nil, errors.New("rest: RootURL not set")
	}
	target += opts.Path
	if len(opts.Parameters) > 0 {
		target += "?" + opts.Parameters.Encode()
	}
	req, err := http.NewRequest(opts.Method, target, opts.Body)
	if err != nil {
		return nil, err
	}
	if opts.ContentType != "" {
		headers["Content-Type"] = opts.ContentType
	}
	if opts.ContentLength != nil {
		req.ContentLength = *opts.ContentLength
	}
	if len(opts.TransferEncoding) != 0 {
		req.TransferEncoding = opts.TransferEncoding
	}
	if opts.Close {
		req.Close = true
	}
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	user, pass := opts.UserName, opts.Password
	if u, ok := headers["__auth_user"]; ok && user == "" {
		user, pass = u, headers["__auth_pass"]
	}
	delete(headers, "__auth_user")
	delete(headers, "__auth_pass")
	for k, v := range headers {
		if v != "" {
			req.Header.Add(k, v)
		}
	}
	if user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err = client.Do(req)
	if err != nil {
		return nil, err
	}
	if !opts.IgnoreStatus {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp, errHandler(resp)
		}
	}
	if opts.NoResponse {
		return resp, resp.Body.Close()
	}
	return resp, nil
}

// CallJSON runs Call and decodes the body as a JSON object into response
// (if not nil).
//
// If request is not nil and opts.Body is nil, request is JSON-encoded as
// the body of the request.
//
// It will return resp if at all possible, even if err is set.
func (api *Client) CallJSON(opts *Opts, request interface{}, response interface{}) (resp *http.Response, err error) {
	if request != nil && opts.Body == nil {
		requestBody, merr := json.Marshal(request)
		if merr != nil {
			return nil, merr
		}
		opts = opts.Copy()
		opts.ContentType = "application/json"
		opts.Body = bytes.NewBuffer(requestBody)
	}
	resp, err = api.Call(opts)
	if err != nil {
		return resp, err
	}
	if response == nil || opts.NoResponse {
		return resp, nil
	}
	err = DecodeJSON(resp, response)
	return resp, err
}
