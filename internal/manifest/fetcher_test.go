package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetcherFetchDumpStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/enwiki/20230301/dumpstatus.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sampleDumpStatus))
	}))
	defer server.Close()

	f := NewFetcher(server.URL, DumpStatusParser{}, testLogger())
	m, err := f.Fetch(context.Background(), Request{
		Dump:    "enwiki",
		Version: "20230301",
		Job:     "xmlstubsdump",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, "enwiki", m.Dump)
	assert.Equal(t, "20230301", m.Version)
}

func TestFetcherFetchUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, nil, testLogger())
	_, err := f.Fetch(context.Background(), Request{Dump: "enwiki", Version: "20230301", Job: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetcherFetchUnreachableHost(t *testing.T) {
	// Port 1 on loopback refuses the connection immediately.
	f := NewFetcher("http://127.0.0.1:1", nil, testLogger())
	_, err := f.Fetch(context.Background(), Request{Dump: "enwiki", Version: "20230301", Job: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetcherFetchParseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>this is not json</html>"))
	}))
	defer server.Close()

	f := NewFetcher(server.URL, DumpStatusParser{}, testLogger())
	_, err := f.Fetch(context.Background(), Request{Dump: "enwiki", Version: "20230301", Job: "x"})
	assert.ErrorIs(t, err, ErrParse)
}

func TestFetcherFetchEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jobs":{"emptyjob":{"status":"done","files":{}}}}`))
	}))
	defer server.Close()

	f := NewFetcher(server.URL, DumpStatusParser{}, testLogger())
	m, err := f.Fetch(context.Background(), Request{Dump: "enwiki", Version: "20230301", Job: "emptyjob"})
	require.ErrorIs(t, err, ErrEmpty)
	require.NotNil(t, m, "empty manifest is returned alongside ErrEmpty")
	assert.Equal(t, 0, m.Len())
}

func TestFetcherHTMLTreeExpansion(t *testing.T) {
	pages := map[string]string{
		"/enwiki/20230301/": `<a href="sub/">sub/</a>
<a href="top.txt">top.txt</a>    02-Mar-2023 01:27    10`,
		"/enwiki/20230301/sub/": `<a href="nested.txt">nested.txt</a>    02-Mar-2023 01:27    20
<a href="top.txt">top.txt</a>    02-Mar-2023 01:27    30`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	f := NewFetcher(server.URL, HTMLIndexParser{}, testLogger())
	m, err := f.Fetch(context.Background(), Request{Dump: "enwiki", Version: "20230301"})
	require.NoError(t, err)

	var paths []string
	for _, file := range m.Files {
		paths = append(paths, file.Path)
	}
	assert.ElementsMatch(t, []string{
		"enwiki/20230301/top.txt",
		"enwiki/20230301/sub/nested.txt",
		"enwiki/20230301/sub/top.txt",
	}, paths)
}

func TestFetcherListVersions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/enwiki/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<a href="../">../</a>
<a href="20230201/">20230201/</a>    01-Feb-2023 09:12    -
<a href="20230301/">20230301/</a>    01-Mar-2023 09:14    -
<a href="20230220/">20230220/</a>    20-Feb-2023 09:13    -
<a href="latest/">latest/</a>        01-Mar-2023 09:14    -`)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, nil, testLogger())
	versions, err := f.ListVersions(context.Background(), "enwiki")
	require.NoError(t, err)
	assert.Equal(t, []string{"20230201", "20230220", "20230301"}, versions,
		"non-version directories are excluded, order is ascending")
}

func TestFetcherResolveVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="20230201/">20230201/</a>
<a href="20230301/">20230301/</a>`)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, nil, testLogger())

	got, err := f.ResolveVersion(context.Background(), "enwiki", "latest")
	require.NoError(t, err)
	assert.Equal(t, "20230301", got)

	got, err = f.ResolveVersion(context.Background(), "enwiki", "20230201")
	require.NoError(t, err)
	assert.Equal(t, "20230201", got, "explicit versions resolve without a network call")

	_, err = f.ResolveVersion(context.Background(), "enwiki", "march 2023")
	assert.ErrorIs(t, err, ErrParse)
}

func TestFetcherDefaultsToDumpStatus(t *testing.T) {
	f := NewFetcher("https://dumps.wikimedia.org", nil, testLogger())
	assert.Equal(t, "dumpstatus", f.parser.Name())
}

func TestFetchErrorsAreDistinguishable(t *testing.T) {
	// The three fetch-time failures must stay distinct for callers.
	assert.False(t, errors.Is(ErrEmpty, ErrUnavailable))
	assert.False(t, errors.Is(ErrEmpty, ErrParse))
	assert.False(t, errors.Is(ErrParse, ErrUnavailable))
}
