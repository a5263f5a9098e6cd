package http1

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserRequestLineAndHeaders(t *testing.T) {
	p := NewParser(KindRequest)

	var gotMethod, gotPath, gotProto string
	var headers [][2]string
	headersComplete := false
	p.OnRequestLine = func(method, path, proto string) { gotMethod, gotPath, gotProto = method, path, proto }
	p.OnHeader = func(k, v string) { headers = append(headers, [2]string{k, v}) }
	p.OnHeadersComplete = func() { headersComplete = true }

	err := p.Feed([]byte("GET /foo?x=1 HTTP/1.1\r\nHost: api.example.com\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, "GET", gotMethod)
	require.Equal(t, "/foo?x=1", gotPath)
	require.Equal(t, "HTTP/1.1", gotProto)
	require.True(t, headersComplete)
	require.Equal(t, [][2]string{{"Host", "api.example.com"}}, headers)
	require.True(t, p.Done())
}

func TestParserToleratesArbitrarySplitting(t *testing.T) {
	whole := "GET / HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	for split := 1; split < len(whole); split++ {
		p := NewParser(KindRequest)
		var body []byte
		done := false
		p.OnBody = func(c []byte) { body = append(body, c...) }
		p.OnComplete = func() { done = true }

		require.NoError(t, p.Feed([]byte(whole[:split])))
		require.NoError(t, p.Feed([]byte(whole[split:])))
		require.True(t, done, "split at %d", split)
		require.Equal(t, "hello", string(body), "split at %d", split)
	}
}

func TestParserOneByteAtATime(t *testing.T) {
	whole := "GET /x HTTP/1.1\r\nA: 1\r\nB: 2\r\n\r\n"
	p := NewParser(KindRequest)
	var headerCount int
	p.OnHeader = func(k, v string) { headerCount++ }
	for i := 0; i < len(whole); i++ {
		require.NoError(t, p.Feed([]byte{whole[i]}))
	}
	require.Equal(t, 2, headerCount)
	require.True(t, p.Done())
}

func TestParserChunkedBody(t *testing.T) {
	whole := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	p := NewParser(KindResponse)
	var body []byte
	var status int
	p.OnStatusLine = func(proto string, code int, text string) { status = code }
	p.OnBody = func(c []byte) { body = append(body, c...) }

	require.NoError(t, p.Feed([]byte(whole)))
	require.Equal(t, 200, status)
	require.Equal(t, "hello world", string(body))
	require.True(t, p.Done())
}

func TestParserResponseUnknownLengthClosesOnEOF(t *testing.T) {
	p := NewParser(KindResponse)
	var body []byte
	done := false
	p.OnBody = func(c []byte) { body = append(body, c...) }
	p.OnComplete = func() { done = true }

	require.NoError(t, p.Feed([]byte("HTTP/1.0 200 OK\r\n\r\npart1part2")))
	require.False(t, done)
	p.Close()
	require.True(t, done)
	require.Equal(t, "part1part2", string(body))
}

func TestParser204ResponseHasNoBody(t *testing.T) {
	p := NewParser(KindResponse)
	bodyCalled := false
	p.OnBody = func(c []byte) { bodyCalled = true }

	require.NoError(t, p.Feed([]byte("HTTP/1.1 204 No Content\r\n\r\n")))
	require.True(t, p.Done())
	require.False(t, bodyCalled)
}

func TestParserRejectsMalformedRequestLine(t *testing.T) {
	p := NewParser(KindRequest)
	err := p.Feed([]byte("GARBAGE\r\n"))
	require.Error(t, err)
}
