package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"sync"

	"promptcache-gateway/internal/apierr"
)

var errDetached = errors.New("relay detached from client")

// relay streams upstream SSE lines to the client. Once detached, every
// further write is dropped, so an upstream goroutine that outlives the hard
// ceiling can never touch the ResponseWriter again.
type relay struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	rc       *http.ResponseController
	cache    string
	started  bool
	detached bool
}

// newRelay wraps w. cache is the X-Cache value sent with a relayed stream.
func newRelay(w http.ResponseWriter, cache string) *relay {
	return &relay{w: w, rc: http.NewResponseController(w), cache: cache}
}

// begin writes the response head for a streamed upstream answer.
func (r *relay) begin(status int, upstream http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return errDetached
	}

	copyResponseHeaders(r.w.Header(), upstream)
	r.w.Header().Set("Content-Type", "text/event-stream")
	r.w.Header().Set("Cache-Control", "no-cache")
	r.w.Header().Set(cacheHeader, r.cache)
	r.w.WriteHeader(status)
	r.started = true
	return r.flush()
}

// line relays one raw SSE line and flushes at event boundaries.
func (r *relay) line(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return errDetached
	}

	if _, err := r.w.Write(b); err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return r.flush()
	}
	return nil
}

func (r *relay) flush() error {
	if err := r.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// fail detaches the relay. If part of the stream already reached the client
// it terminates it with an SSE error event and reports true; otherwise the
// caller still owns the response and must write the error itself.
func (r *relay) fail(err error, announce bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = true
	if !r.started {
		return false
	}
	if announce {
		_, typ := apierr.Classify(err)
		_ = writeSSEError(r.w, typ, err.Error())
		_ = r.flush()
	}
	return true
}

func (r *relay) wasStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}
