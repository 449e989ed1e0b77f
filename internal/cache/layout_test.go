package cache

import (
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocate(t *testing.T) {
	root := filepath.FromSlash("/srv/cache")
	testCases := []struct {
		name string
		raw  string
		want string
	}{
		{"default port", "http://h/a/b", "/srv/cache/h/a/b"},
		{"explicit default port", "http://h:80/a/b", "/srv/cache/h/a/b"},
		{"non default port", "http://h:8081/a/b", "/srv/cache/h/8081/a/b"},
		{"dot segments are cleaned", "http://h/a/../../etc/passwd", "/srv/cache/h/etc/passwd"},
		{"escaped path is decoded", "http://h/a%20b/c.jar", "/srv/cache/h/a b/c.jar"},
		{"empty path", "http://h", "/srv/cache/h"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := url.Parse(tc.raw)
			require.NoError(t, err)
			got, err := Locate(root, u)
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tc.want), got)
		})
	}
}

func TestLocateRejectsUnsafeHosts(t *testing.T) {
	root := filepath.FromSlash("/srv/patches")
	testCases := []struct {
		name string
		url  *url.URL
	}{
		{"parent host", &url.URL{Scheme: "http", Host: "..", Path: "/config.toml"}},
		{"parent host with port", &url.URL{Scheme: "http", Host: "..:8081", Path: "/x"}},
		{"current host", &url.URL{Scheme: "http", Host: ".", Path: "/x"}},
		{"empty host", &url.URL{Scheme: "http", Path: "/x"}},
		{"slash in host", &url.URL{Scheme: "http", Host: "a/../..", Path: "/x"}},
		{"backslash in host", &url.URL{Scheme: "http", Host: `..\..`, Path: "/x"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Locate(root, tc.url)
			assert.ErrorIs(t, err, ErrUnsafeHost)
			assert.Empty(t, got)
		})
	}
}

func TestLocateParsedParentHost(t *testing.T) {
	u, err := url.Parse("http://../config.toml")
	require.NoError(t, err)
	require.Equal(t, "..", u.Hostname())

	_, err = Locate(filepath.FromSlash("/srv/patches"), u)
	assert.ErrorIs(t, err, ErrUnsafeHost)
}

func TestSiblingPaths(t *testing.T) {
	assert.Equal(t, "/x/a.jar.status", StatusPath("/x/a.jar"))
	assert.Equal(t, "/x/a.jar.bak", BackupPath("/x/a.jar"))
}
