package intercept

import (
	"bytes"
	"net/http"
)

// Rendered is what the origin produced for one URL.
type Rendered struct {
	Status int
	Header http.Header
	Body   []byte
	// Truncated is set when the body exceeded the capture limit and was
	// not kept.
	Truncated bool
}

// captureWriter passes the response through to the client and keeps a copy
// of status, headers and body for capture.
type captureWriter struct {
	http.ResponseWriter

	buf         bytes.Buffer
	max         int64
	status      int
	header      http.Header
	wroteHeader bool
	overflow    bool
}

func newCaptureWriter(w http.ResponseWriter, max int64) *captureWriter {
	return &captureWriter{ResponseWriter: w, max: max}
}

func (c *captureWriter) WriteHeader(code int) {
	if c.wroteHeader {
		return
	}
	if code >= 100 && code < 200 {
		c.ResponseWriter.WriteHeader(code)
		return
	}
	c.wroteHeader = true
	c.status = code
	c.header = cloneHeader(c.ResponseWriter.Header())
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if !c.overflow {
		if c.max > 0 && int64(c.buf.Len()+len(b)) > c.max {
			c.overflow = true
			c.buf = bytes.Buffer{}
		} else {
			c.buf.Write(b)
		}
	}
	return c.ResponseWriter.Write(b)
}

func (c *captureWriter) Flush() {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (c *captureWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

func (c *captureWriter) Rendered() Rendered {
	status := c.status
	header := c.header
	if !c.wroteHeader {
		status = http.StatusOK
		header = cloneHeader(c.ResponseWriter.Header())
	}
	return Rendered{
		Status:    status,
		Header:    header,
		Body:      c.buf.Bytes(),
		Truncated: c.overflow,
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
