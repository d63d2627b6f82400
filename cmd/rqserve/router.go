package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rqtree/rqshare/rqerrors"
	"github.com/rqtree/rqshare/share"
)

// newRouter builds the HTTP control and data surface over the overlay
// tree: list, open, put, delete, rename, and a sync-event feed. This is
// a thin transport layer; all overlay semantics live in share/overlay.
func newRouter(s *share.Share) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/list/*", func(w http.ResponseWriter, req *http.Request) {
		dir := "/" + chi.URLParam(req, "*")
		listing, err := s.List(dir)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listing)
	})

	r.Get("/open/*", func(w http.ResponseWriter, req *http.Request) {
		name := "/" + chi.URLParam(req, "*")
		f, err := s.Tree.Open(name)
		if err != nil {
			writeError(w, err)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, f); err != nil {
			return
		}
	})

	r.Put("/file/*", func(w http.ResponseWriter, req *http.Request) {
		name := "/" + chi.URLParam(req, "*")
		f, err := s.Tree.CreateFile(name)
		if err != nil {
			writeError(w, err)
			return
		}
		_, copyErr := io.Copy(f, req.Body)
		closeErr := f.Close()
		if copyErr != nil {
			writeError(w, rqerrors.Wrap(rqerrors.Io, copyErr, "write "+name))
			return
		}
		if closeErr != nil {
			writeError(w, closeErr)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	r.Delete("/file/*", func(w http.ResponseWriter, req *http.Request) {
		name := "/" + chi.URLParam(req, "*")
		if err := s.Tree.Delete(name); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/rename", func(w http.ResponseWriter, req *http.Request) {
		var body struct{ Old, New string }
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, rqerrors.Wrap(rqerrors.Io, err, "decode rename request"))
			return
		}
		if err := s.Tree.Rename(body.Old, body.New); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for {
			select {
			case <-req.Context().Done():
				return
			case ev, open := <-s.Processor.Events:
				if !open {
					return
				}
				wireEvent := struct {
					Kind   string `json:"kind"`
					Parent string `json:"parent"`
					Path   string `json:"path"`
					Err    string `json:"error,omitempty"`
				}{Kind: string(ev.Kind), Parent: ev.Parent, Path: ev.Entry.Path}
				if ev.Err != nil {
					wireEvent.Err = ev.Err.Error()
				}
				if err := json.NewEncoder(w).Encode(wireEvent); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := rqerrors.StatusOf(err)
	switch rqerrors.KindOf(err) {
	case rqerrors.NotFound:
		status = http.StatusNotFound
	case rqerrors.AlreadyExists:
		status = http.StatusConflict
	case rqerrors.NotEmpty:
		status = http.StatusConflict
	case rqerrors.Conflict:
		status = http.StatusConflict
	default:
		if status == 0 {
			status = http.StatusInternalServerError
		}
	}
	http.Error(w, err.Error(), status)
}
