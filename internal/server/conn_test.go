package server

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequest(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		method    string
		target    string
		keepAlive bool
		open      bool
	}{
		{
			name:   "plain get",
			input:  "GET http://repo.example/a.jar HTTP/1.1\r\nHost: repo.example\r\n\r\n",
			method: "GET",
			target: "http://repo.example/a.jar",
			open:   true,
		},
		{
			name:   "last matching line wins",
			input:  "GET http://a.example/x HTTP/1.1\nHEAD http://b.example/y HTTP/1.0\n\n",
			method: "HEAD",
			target: "http://b.example/y",
			open:   true,
		},
		{
			name:      "keep alive is case insensitive",
			input:     "GET http://a.example/x HTTP/1.1\nproxy-connection: KEEP-ALIVE\n\n",
			method:    "GET",
			target:    "http://a.example/x",
			keepAlive: true,
			open:      true,
		},
		{
			name:   "missing version keeps remainder",
			input:  "GET http://a.example/x\n\n",
			method: "GET",
			target: "http://a.example/x",
			open:   true,
		},
		{
			name:   "request followed by eof",
			input:  "GET http://a.example/x HTTP/1.1\n",
			method: "GET",
			target: "http://a.example/x",
			open:   false,
		},
		{
			name:  "lowercase method is not a request",
			input: "get http://a.example/x HTTP/1.1\nHost: a\n",
			open:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			keepAlive := false
			req, open, err := readRequest(bufio.NewReader(strings.NewReader(tc.input)), &keepAlive)
			require.NoError(t, err)
			assert.Equal(t, tc.method, req.method)
			assert.Equal(t, tc.target, req.target)
			assert.Equal(t, tc.keepAlive, keepAlive)
			assert.Equal(t, tc.open, open)
		})
	}
}

func TestReadRequestWithoutTargetOnOpenStream(t *testing.T) {
	keepAlive := false
	req, open, err := readRequest(bufio.NewReader(strings.NewReader("Host: a.example\n\nGET http://a/x HTTP/1.1\n\n")), &keepAlive)
	require.ErrorIs(t, err, ErrNoRequest)
	assert.True(t, open)
	assert.Equal(t, []string{"Host: a.example"}, req.lines)
}

func TestReadRequestKeepAliveIsSticky(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader(
		"GET http://a/x HTTP/1.1\nProxy-Connection: Keep-Alive\n\nGET http://a/y HTTP/1.1\n\n"))
	keepAlive := false

	_, _, err := readRequest(reader, &keepAlive)
	require.NoError(t, err)
	require.True(t, keepAlive)

	req, _, err := readRequest(reader, &keepAlive)
	require.NoError(t, err)
	assert.Equal(t, "http://a/y", req.target)
	assert.True(t, keepAlive)
}

func TestReadLineDropsPartialLine(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("a\r\nb"))
	line, err := readLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "a", line)

	_, err = readLine(reader)
	assert.Error(t, err)
}

func TestReadLineSpansBufferBoundary(t *testing.T) {
	long := strings.Repeat("a", maxLineLength)
	reader := bufio.NewReaderSize(strings.NewReader(long+"\n"+"next\r\n"), 16)

	line, err := readLine(reader)
	require.NoError(t, err)
	assert.Equal(t, long, line)

	line, err = readLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "next", line)
}

func TestReadLineRejectsOversizedLine(t *testing.T) {
	// 没有 LF 的超长输入，读取量受限于 maxLineLength 而不是整个流
	reader := bufio.NewReaderSize(strings.NewReader(strings.Repeat("a", 4*maxLineLength)), 16)
	_, err := readLine(reader)
	assert.ErrorIs(t, err, ErrLineTooLong)

	keepAlive := false
	reader = bufio.NewReader(strings.NewReader("GET http://h/" + strings.Repeat("x", maxLineLength) + " HTTP/1.1\r\n\r\n"))
	_, open, err := readRequest(reader, &keepAlive)
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.False(t, open)
}

func TestContentType(t *testing.T) {
	testCases := map[string]string{
		"/maven2/a/b/1.0/b-1.0.pom":        "application/xml",
		"/maven2/a/b/1.0/b-1.0.JAR":        "application/java-archive",
		"/maven2/a/b/1.0/b-1.0.jar.sha1":   "text/plain",
		"/maven2/a/b/1.0/b-1.0.jar.sha256": "text/plain",
		"/maven2/a/b/1.0/b-1.0.module":     "application/json",
		"/dist/app.tgz":                    "application/gzip",
	}
	for p, want := range testCases {
		got, known := ContentType(p)
		assert.True(t, known, p)
		assert.Equal(t, want, got, p)
	}

	got, known := ContentType("/maven2/readme")
	assert.False(t, known)
	assert.Equal(t, "text/plain", got)
}
