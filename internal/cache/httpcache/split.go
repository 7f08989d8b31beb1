package httpcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Split reads resp's body once and returns two responses with independent
// bodies: one for the caller and one for the cache. A body can only be read
// once, so every response that is both returned and stored goes through here.
//
// When the body is longer than limit bytes, forCache is nil and forCaller
// streams the remainder straight from the network. resp must not be used
// after Split returns.
func Split(resp *http.Response, limit int64) (forCaller, forCache *http.Response, err error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return resp, capture(resp, nil), nil
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(head)) > limit {
		forCaller = new(http.Response)
		*forCaller = *resp
		forCaller.Body = &multiReadCloser{
			Reader: io.MultiReader(bytes.NewReader(head), resp.Body),
			closer: resp.Body,
		}
		return forCaller, nil, nil
	}

	if err := resp.Body.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to close response body: %w", err)
	}

	forCaller = new(http.Response)
	*forCaller = *resp
	forCaller.Body = io.NopCloser(bytes.NewReader(head))

	return forCaller, capture(resp, head), nil
}

// capture builds a self-contained copy of resp holding body
func capture(resp *http.Response, body []byte) *http.Response {
	c := new(http.Response)
	*c = *resp
	c.Header = resp.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Trailer = nil
	c.TransferEncoding = nil
	c.Uncompressed = false
	c.Body = io.NopCloser(bytes.NewReader(body))
	c.ContentLength = int64(len(body))
	c.Header.Del("Content-Length")

	// Normalize what hand-built responses leave out so the entry round-trips
	c.Proto, c.ProtoMajor, c.ProtoMinor = "HTTP/1.1", 1, 1
	c.Status = fmt.Sprintf("%d %s", c.StatusCode, http.StatusText(c.StatusCode))
	return c
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}
