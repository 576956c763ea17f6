package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_UploadArtifact(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/artifacts", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "source", r.FormValue("kind"))
		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close() //nolint:errcheck // test cleanup
		assert.Equal(t, "seqs.fasta", hdr.Filename)
		body, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, ">s1\nACGT\n", string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"a1","name":"seqs.fasta","kind":"source","size":9,
			"created_at":"2024-03-01T09:00:00Z"}`))
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)

	art, err := c.UploadArtifact(context.Background(), "seqs.fasta", "source", strings.NewReader(">s1\nACGT\n"))
	require.NoError(t, err)
	assert.Equal(t, "a1", art.ID)
	assert.Equal(t, int64(9), art.Size)
}

func TestClient_UploadArtifact_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = w.Write([]byte(`{"error":"file too large"}`))
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)

	_, err = c.UploadArtifact(context.Background(), "big.fasta", "source", strings.NewReader("data"))
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, ErrStatus(err))
	assert.Contains(t, err.Error(), "file too large")
}

func TestClient_ListArtifacts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "source", r.URL.Query().Get("kind"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"items":[{"id":"a1","name":"x.fa","kind":"source","size":12}],
			"page":1,"per_page":20,"total":1}`))
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)

	page, err := c.ListArtifacts(context.Background(), 1, 20, "source")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "x.fa", page.Items[0].Name)
}

func TestClient_DeleteArtifact(t *testing.T) {
	var deleted bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/artifacts/a1", r.URL.Path)
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)

	require.NoError(t, c.DeleteArtifact(context.Background(), "a1"))
	assert.True(t, deleted)
}

func TestClient_ArtifactContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/artifacts/a1/content" {
			w.Header().Set("Content-Disposition", `attachment; filename="aln.fasta"`)
			_, _ = w.Write([]byte(">aligned\nAC-GT\n"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"gone"}`))
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)

	t.Run("streams content with filename", func(t *testing.T) {
		rc, name, err := c.ArtifactContent(context.Background(), "a1")
		require.NoError(t, err)
		defer rc.Close() //nolint:errcheck // test cleanup
		assert.Equal(t, "aln.fasta", name)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, ">aligned\nAC-GT\n", string(body))
	})

	t.Run("missing artifact", func(t *testing.T) {
		_, _, err := c.ArtifactContent(context.Background(), "nope")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}
