package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// streamWriter emits the relay as a text/event-stream response.
type streamWriter struct {
	res *echo.Response
	rc  *http.ResponseController
}

func newStreamWriter(res *echo.Response) *streamWriter {
	return &streamWriter{res: res, rc: http.NewResponseController(res)}
}

// Open commits the stream headers. Intermediaries are told not to buffer or
// cache the response.
func (w *streamWriter) Open() error {
	h := w.res.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Del(echo.HeaderContentLength)

	w.res.WriteHeader(http.StatusOK)
	return w.rc.Flush()
}

// Write sends p and flushes it to the caller.
func (w *streamWriter) Write(p []byte) error {
	if _, err := w.res.Write(p); err != nil {
		return err
	}
	return w.rc.Flush()
}

// requestBody lets the relay interrupt a stalled inbound body read.
type requestBody struct {
	body io.Reader
	rc   *http.ResponseController
}

func (b *requestBody) Read(p []byte) (int, error) {
	return b.body.Read(p)
}

func (b *requestBody) SetReadDeadline(t time.Time) error {
	return b.rc.SetReadDeadline(t)
}
