package model

import (
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"testing/iotest"
)

func TestParams_ScalarAndSequence(t *testing.T) {
	p := Params{}
	p.Add("a", "1")
	p.Add("x", "1")
	p.Add("x", "2")

	if !p["a"].IsScalar() {
		t.Error("single occurrence should be scalar")
	}
	if p["a"].Value() != "1" {
		t.Errorf("a = %q, want %q", p["a"].Value(), "1")
	}
	if p["x"].IsScalar() {
		t.Error("repeated key should not be scalar")
	}
	if got := p["x"].Values(); len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("x = %v, want [1 2]", got)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"a":"1","x":["1","2"]}` {
		t.Errorf("json = %s, want %s", data, `{"a":"1","x":["1","2"]}`)
	}
}

func TestParams_Encode(t *testing.T) {
	p := Params{}
	p.Add("x", "1")
	p.Add("x", "2")
	p.Add("q", "a b")

	if got := p.Encode(); got != "x=1&x=2&q=a+b" {
		t.Errorf("Encode() = %q, want %q", got, "x=1&x=2&q=a+b")
	}
}

func TestParams_KeepsInsertionOrder(t *testing.T) {
	p := Params{}
	p.Add("b", "1")
	p.Add("a", "2")
	p.Add("c", "3")
	p.Add("b", "4")

	if got := strings.Join(p.Keys(), ","); got != "b,a,c" {
		t.Errorf("Keys() = %q, want %q", got, "b,a,c")
	}
	if got := p.Encode(); got != "b=1&b=4&a=2&c=3" {
		t.Errorf("Encode() = %q, want %q", got, "b=1&b=4&a=2&c=3")
	}
}

func TestParam_ValuesIsCopy(t *testing.T) {
	p := Params{}
	p.Add("k", "v")
	vals := p["k"].Values()
	vals[0] = "mutated"
	if p["k"].Value() != "v" {
		t.Error("Values() must not expose internal storage")
	}
}

func TestResolvedTarget_String(t *testing.T) {
	u, _ := url.Parse("http://medulla.internal/foo/bar")
	p := Params{}
	p.Add("x", "1")
	p.Add("x", "2")
	target := &ResolvedTarget{URL: u, Params: p}

	if got := target.String(); got != "http://medulla.internal/foo/bar?x=1&x=2" {
		t.Errorf("String() = %q", got)
	}
	if u.RawQuery != "" {
		t.Error("String() must not modify the target URL")
	}
}

func TestUpstreamResponse_Chunks(t *testing.T) {
	body := io.NopCloser(iotest.OneByteReader(strings.NewReader("{}")))
	resp := NewUpstreamResponse(200, nil, body)

	var got []string
	for chunk, err := range resp.Chunks() {
		if err != nil {
			t.Fatalf("chunk error: %v", err)
		}
		got = append(got, string(chunk))
	}
	if len(got) != 2 || got[0] != "{" || got[1] != "}" {
		t.Errorf("chunks = %q, want [\"{\" \"}\"]", got)
	}
}

// emptyReadReader returns an empty read before every byte.
type emptyReadReader struct {
	data  []byte
	empty bool
}

func (r *emptyReadReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	r.empty = !r.empty
	if r.empty {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestUpstreamResponse_ChunksSkipsEmptyReads(t *testing.T) {
	resp := NewUpstreamResponse(200, nil, io.NopCloser(&emptyReadReader{data: []byte("abc")}))

	var got []string
	for chunk, err := range resp.Chunks() {
		if err != nil {
			t.Fatalf("chunk error: %v", err)
		}
		if len(chunk) == 0 {
			t.Fatal("empty chunk yielded")
		}
		got = append(got, string(chunk))
	}
	if strings.Join(got, "") != "abc" || len(got) != 3 {
		t.Errorf("chunks = %q, want three single bytes", got)
	}
}

func TestUpstreamResponse_ChunksError(t *testing.T) {
	boom := errors.New("connection reset")
	resp := NewUpstreamResponse(200, nil, io.NopCloser(iotest.ErrReader(boom)))

	var gotErr error
	for _, err := range resp.Chunks() {
		gotErr = err
	}
	if !errors.Is(gotErr, boom) {
		t.Errorf("error = %v, want %v", gotErr, boom)
	}
}

func TestUpstreamResponse_ChunksSinglePass(t *testing.T) {
	resp := NewUpstreamResponse(200, nil, io.NopCloser(strings.NewReader("data")))
	for range resp.Chunks() {
	}

	var gotErr error
	for _, err := range resp.Chunks() {
		gotErr = err
	}
	if !errors.Is(gotErr, ErrChunksConsumed) {
		t.Errorf("second pass error = %v, want ErrChunksConsumed", gotErr)
	}
}

type countingCloser struct {
	io.Reader
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}

func TestUpstreamResponse_CloseOnce(t *testing.T) {
	body := &countingCloser{Reader: strings.NewReader("")}
	resp := NewUpstreamResponse(200, nil, body)
	_ = resp.Close()
	_ = resp.Close()
	if body.closed != 1 {
		t.Errorf("body closed %d times, want 1", body.closed)
	}
}

func TestErrorEvent_Frame(t *testing.T) {
	tests := []struct {
		name  string
		event *ErrorEvent
		want  string
	}{
		{
			name:  "status with detail",
			event: NewStatusEvent(503, "overloaded"),
			want:  "data: {\"error\": \"Stream failed with status 503\", \"status_code\": 503, \"detail\": \"overloaded\"}\n\n",
		},
		{
			name:  "status with empty detail",
			event: NewStatusEvent(500, ""),
			want:  "data: {\"error\": \"Stream failed with status 500\", \"status_code\": 500, \"detail\": \"\"}\n\n",
		},
		{
			name:  "timeout",
			event: NewTimeoutEvent(),
			want:  "data: {\"error\": \"Stream timeout\", \"status_code\": 504}\n\n",
		},
		{
			name:  "failure escapes quotes and newlines",
			event: NewFailureEvent(500, "dial \"x\"\nrefused\\"),
			want:  "data: {\"error\": \"dial \\\"x\\\"\\nrefused\\\\\", \"status_code\": 500}\n\n",
		},
		{
			name:  "non-ascii and html are escaped like json.dumps",
			event: NewStatusEvent(400, "café <b> 😀\x01"),
			want:  "data: {\"error\": \"Stream failed with status 400\", \"status_code\": 400, \"detail\": \"caf\\u00e9 <b> \\ud83d\\ude00\\u0001\"}\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(tt.event.Frame()); got != tt.want {
				t.Errorf("Frame() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorEvent_FrameIsValidJSON(t *testing.T) {
	frame := string(NewStatusEvent(502, "bad \"gateway\" ü").Frame())
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")

	var got struct {
		Error      string `json:"error"`
		StatusCode int    `json:"status_code"`
		Detail     string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", payload, err)
	}
	if got.StatusCode != 502 || got.Detail != "bad \"gateway\" ü" {
		t.Errorf("decoded = %+v", got)
	}
}
