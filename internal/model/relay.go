// Package model defines shared types for the relay.
package model

import (
	"cmp"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
)

// ErrChunksConsumed is yielded when an upstream body is iterated a second time.
var ErrChunksConsumed = errors.New("upstream chunks already consumed")

// DefaultChunkSize is the read buffer used when streaming upstream bodies.
const DefaultChunkSize = 32 * 1024

// RelayRequest is an inbound request captured for relaying.
// Body is read fully by the relay once it starts; everything else is fixed.
type RelayRequest struct {
	RequestID string
	Service   string
	Method    string
	Path      string // suffix after the relay route, may embed "?query"
	RawQuery  string
	Header    http.Header
	Body      io.Reader
}

// Param is a query parameter value. A key seen once is a scalar; a repeated
// key keeps every value in order.
type Param struct {
	values []string
	seq    int // position of the key's first occurrence
}

// IsScalar reports whether the key occurred exactly once.
func (p Param) IsScalar() bool {
	return len(p.values) == 1
}

// Value returns the first value.
func (p Param) Value() string {
	if len(p.values) == 0 {
		return ""
	}
	return p.values[0]
}

// Values returns all values in arrival order.
func (p Param) Values() []string {
	return slices.Clone(p.values)
}

// MarshalJSON renders a scalar as a string and a repeated key as an array.
func (p Param) MarshalJSON() ([]byte, error) {
	if p.IsScalar() {
		return json.Marshal(p.values[0])
	}
	return json.Marshal(p.values)
}

// Params maps parameter names to values. Keys remember the order in which
// they were first added.
type Params map[string]Param

// Add appends value to key, turning a scalar into a sequence.
func (p Params) Add(key, value string) {
	cur, ok := p[key]
	if !ok {
		cur.seq = len(p)
	}
	cur.values = append(cur.values, value)
	p[key] = cur
}

// Keys returns the parameter names in first-occurrence order.
func (p Params) Keys() []string {
	keys := slices.Collect(maps.Keys(p))
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Compare(p[a].seq, p[b].seq)
	})
	return keys
}

// Encode renders the parameters as a form-encoded query string. Keys keep
// their first-occurrence order and a repeated key is written once per value.
func (p Params) Encode() string {
	var b strings.Builder
	for _, k := range p.Keys() {
		for _, v := range p[k].values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// ResolvedTarget is the upstream destination derived from a RelayRequest.
type ResolvedTarget struct {
	Service string
	URL     *url.URL // base URL + normalized path, no query
	Params  Params
	Header  http.Header
}

// String returns the full upstream URL including encoded parameters.
func (t *ResolvedTarget) String() string {
	u := *t.URL
	u.RawQuery = t.Params.Encode()
	return u.String()
}

// UpstreamResponse is an open upstream response whose body is streamed lazily.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header

	body      io.ReadCloser
	chunkSize int
	consumed  bool
	closeOnce sync.Once
	closeErr  error
}

// NewUpstreamResponse wraps an upstream body for chunked iteration.
func NewUpstreamResponse(status int, header http.Header, body io.ReadCloser) *UpstreamResponse {
	return &UpstreamResponse{
		StatusCode: status,
		Header:     header,
		body:       body,
		chunkSize:  DefaultChunkSize,
	}
}

// Chunks yields upstream body chunks in arrival order. Empty reads are
// skipped. A yielded slice is only valid until the next iteration step.
// The sequence is single-pass; the caller must still call Close.
func (r *UpstreamResponse) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if r.consumed {
			yield(nil, ErrChunksConsumed)
			return
		}
		r.consumed = true

		buf := make([]byte, r.chunkSize)
		for {
			n, err := r.body.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Close releases the upstream connection. It is safe to call more than once.
func (r *UpstreamResponse) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}
