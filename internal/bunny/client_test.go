package bunny

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuahamsa/ipfs-to-cdn/internal/config"
)

func TestKeyDerivation(t *testing.T) {
	key := Key("hog_jsons/", 3642, "json")
	assert.Equal(t, "hog_jsons/3642.json", key)

	n, ok := ParseKeyID(key, "hog_jsons/", "json")
	require.True(t, ok)
	assert.Equal(t, 3642, n)

	_, ok = ParseKeyID("hog_jsons/unknown.json", "hog_jsons/", "json")
	assert.False(t, ok)
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(config.Bunny{
		StorageZone: "zone",
		AccessKey:   "secret",
		RegionHost:  srv.URL,
	}, 5*time.Second, nil)
	return c, srv
}

func TestPutSendsCredentialsAndContentType(t *testing.T) {
	var gotPath, gotKey, gotCT, gotBody string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("AccessKey")
		gotCT = r.Header.Get("Content-Type")
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	})

	err := c.PutBytes(context.Background(), "hog_jsons/1.json", "application/json", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "/zone/hog_jsons/1.json", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, `{"a":1}`, gotBody)
}

func TestPutSurfacesTruncatedErrorBody(t *testing.T) {
	long := strings.Repeat("x", 600)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(long))
	})

	err := c.PutBytes(context.Background(), "k", "application/json", []byte("{}"))
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusForbidden, ue.Status)
	assert.Len(t, ue.Body, maxErrBody)
}

func TestPutRetriesTransientStatus(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := c.PutBytes(context.Background(), "k", "application/json", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExistsUsesPublicHostWithoutCredentials(t *testing.T) {
	var gotAuth string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("AccessKey")
		gotPath = r.URL.Path
		if r.URL.Path == "/hog_images/7.png" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(config.Bunny{
		StorageZone: "zone",
		AccessKey:   "secret",
		RegionHost:  "unused.invalid",
		PublicHost:  srv.URL,
	}, time.Second, nil)

	assert.True(t, c.Exists(context.Background(), "hog_images/7.png"))
	assert.Empty(t, gotAuth, "public host checks carry no credentials")
	assert.Equal(t, "/hog_images/7.png", gotPath)
	assert.False(t, c.Exists(context.Background(), "hog_images/8.png"))
}

func TestExistsFallsBackToStorageAPIWithCredentials(t *testing.T) {
	var gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("AccessKey")
		w.WriteHeader(http.StatusOK)
	})

	assert.True(t, c.Exists(context.Background(), "hog_images/7.png"))
	assert.Equal(t, "secret", gotAuth)
}

func TestExistsTreatsFailureAsAbsent(t *testing.T) {
	c := New(config.Bunny{
		StorageZone: "zone",
		AccessKey:   "secret",
		PublicHost:  "http://127.0.0.1:1", // nothing listening
	}, time.Second, nil)
	assert.False(t, c.Exists(context.Background(), "k"))
}

func TestScanExisting(t *testing.T) {
	present := map[string]bool{
		"/hog_images/2.png": true,
		"/hog_images/5.png": true,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if present[r.URL.Path] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(config.Bunny{StorageZone: "zone", AccessKey: "k", PublicHost: srv.URL}, time.Second, nil)
	got := c.ScanExisting(context.Background(), "hog_images/", "png", 1, 6, ScanOptions{BatchSize: 2, BatchPause: time.Millisecond})

	assert.Equal(t, map[int]struct{}{2: {}, 5: {}}, got)
}
