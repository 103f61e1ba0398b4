package remote_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"melissi-go/internal/delta"
	"melissi-go/internal/melissi"
	"melissi-go/internal/remote"
	"melissi-go/internal/testutil"
)

var testCreds = &melissi.Credentials{Username: "alice", Password: "secret"}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// newServer starts the REST API over a fresh MemoryRemote.
func newServer(t *testing.T) (*remote.MemoryRemote, *remote.HTTPClient) {
	t.Helper()

	mem := remote.NewMemoryRemote()
	srv := httptest.NewServer(remote.NewHandler(mem, testCreds))
	t.Cleanup(srv.Close)

	client, err := remote.NewHTTPClient(srv.URL, testCreds, srv.Client(), nil)
	require.NoError(t, err)
	return mem, client
}

func TestHTTPClient_Objects(t *testing.T) {
	ctx := context.Background()
	mem, client := newServer(t)

	cell, err := client.CreateCell(ctx, "docs", 0)
	require.NoError(t, err)
	sub, err := client.CreateCell(ctx, "sub", cell)
	require.NoError(t, err)

	require.NoError(t, client.UpdateCell(ctx, sub, "renamed", 0))
	got := mem.Cell(sub)
	require.NotNil(t, got)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, int64(0), got.Parent)

	droplet, err := client.CreateDroplet(ctx, "report.pdf", cell)
	require.NoError(t, err)
	assert.Equal(t, cell, mem.Droplet(droplet).Cell)

	require.NoError(t, client.DeleteCell(ctx, cell))
	assert.Nil(t, mem.Droplet(droplet), "deleting a cell removes its droplets")
}

func TestHTTPClient_CreateRevision(t *testing.T) {
	ctx := context.Background()
	mem, client := newServer(t)
	h := &delta.Hasher{BlockSize: 4}

	id, err := client.CreateDroplet(ctx, "notes.txt", 0)
	require.NoError(t, err)

	first := []byte("hello world, first revision")
	n, err := client.CreateRevision(ctx, id, &melissi.RevisionUpload{
		Hash:    md5Hex(first),
		Number:  1,
		Content: bytes.NewReader(first),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	second := []byte("hello world, second revision")
	sig, err := h.Signature(bytes.NewReader(first))
	require.NoError(t, err)
	patch, err := h.Delta(sig, bytes.NewReader(second))
	require.NoError(t, err)

	n, err = client.CreateRevision(ctx, id, &melissi.RevisionUpload{Hash: md5Hex(second), Number: 2, Patch: patch})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	content, ok := mem.Content(id)
	require.True(t, ok)
	assert.Equal(t, string(second), string(content))

	calls := mem.Calls()
	require.Len(t, calls, 3)
	assert.False(t, calls[1].Patch)
	assert.True(t, calls[2].Patch)
}

func TestHTTPClient_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing object is ErrRemoteNotFound", func(t *testing.T) {
		_, client := newServer(t)

		err := client.DeleteDroplet(ctx, 99)
		assert.ErrorIs(t, err, melissi.ErrRemoteNotFound)
		err = client.UpdateCell(ctx, 99, "x", 0)
		assert.ErrorIs(t, err, melissi.ErrRemoteNotFound)
	})

	t.Run("server error is a StatusError", func(t *testing.T) {
		mem, client := newServer(t)
		mem.Fail(remote.MethodCreateCell, errors.New("database locked"))

		_, err := client.CreateCell(ctx, "docs", 0)
		var status *remote.StatusError
		require.ErrorAs(t, err, &status)
		assert.Equal(t, http.StatusInternalServerError, status.Code)
		assert.NotErrorIs(t, err, melissi.ErrUnreachable)
	})

	t.Run("wrong credentials are rejected", func(t *testing.T) {
		mem := remote.NewMemoryRemote()
		srv := httptest.NewServer(remote.NewHandler(mem, testCreds))
		defer srv.Close()

		client, err := remote.NewHTTPClient(srv.URL, &melissi.Credentials{Username: "alice", Password: "wrong"}, srv.Client(), nil)
		require.NoError(t, err)

		_, err = client.CreateCell(ctx, "docs", 0)
		var status *remote.StatusError
		require.ErrorAs(t, err, &status)
		assert.Equal(t, http.StatusUnauthorized, status.Code)
		assert.Equal(t, 0, mem.CallCount(""))
	})

	t.Run("closed server is ErrUnreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client, err := remote.NewHTTPClient(url, testCreds, nil, nil)
		require.NoError(t, err)

		_, err = client.CreateCell(ctx, "docs", 0)
		assert.ErrorIs(t, err, melissi.ErrUnreachable)
	})
}

func TestHTTPClient_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"reply":{"pk":5}}`))
	}))
	defer srv.Close()

	ids := testutil.NewStubIDGenerator("req")
	client, err := remote.NewHTTPClient(srv.URL+"/", testCreds, srv.Client(), ids)
	require.NoError(t, err)

	id, err := client.CreateCell(context.Background(), "docs", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.Equal(t, "req-1", got.Get("X-Request-ID"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Contains(t, got.Get("Authorization"), "Basic ")

	_, err = client.CreateDroplet(context.Background(), "a.txt", id)
	require.NoError(t, err)
	assert.Equal(t, "req-2", got.Get("X-Request-ID"), "every request gets a fresh id")
	assert.Equal(t, 2, ids.Issued())
}

func TestHTTPClient_RejectsMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":{}}`))
	}))
	defer srv.Close()

	client, err := remote.NewHTTPClient(srv.URL, testCreds, srv.Client(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.CreateCell(ctx, "docs", 0)
	assert.ErrorContains(t, err, "without an id")
	_, err = client.CreateDroplet(ctx, "a.txt", 3)
	assert.ErrorContains(t, err, "without an id")
}

func TestNewHTTPClient_RejectsBadURL(t *testing.T) {
	_, err := remote.NewHTTPClient("ftp://example.com", testCreds, nil, nil)
	assert.Error(t, err)
}
