package backend

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
)

// UploadArtifact streams a multipart upload of r to the backend. The body is
// piped, not buffered, so arbitrarily large files don't blow the memory.
func (c *client) UploadArtifact(ctx context.Context, name, kind string, r io.Reader) (Artifact, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		if kind != "" {
			if err = mw.WriteField("kind", kind); err != nil {
				return
			}
		}
		var part io.Writer
		if part, err = mw.CreateFormFile("file", name); err != nil {
			return
		}
		if _, err = io.Copy(part, r); err != nil {
			return
		}
		err = mw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apipath("artifacts"), pr)
	if err != nil {
		return Artifact{}, fmt.Errorf("can't make upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.stream.Do(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response

	var res Artifact
	err = decodeJSON(resp, &res, Fallbacks{
		Client: "backend rejected the upload",
		Server: "backend failed to store the upload",
	})
	return res, err
}

// ListArtifacts fetches one page of artifacts, optionally narrowed by kind
func (c *client) ListArtifacts(ctx context.Context, page, perPage int, kind string) (Page[Artifact], error) {
	q := pageQuery(page, perPage)
	if kind != "" {
		q.Set("kind", kind)
	}
	var res Page[Artifact]
	err := getJSON(ctx, c, c.apipath("artifacts")+"?"+q.Encode(), &res, Fallbacks{
		Client: "artifacts listing rejected",
		Server: "backend failed to list artifacts",
	})
	return res, err
}

// GetArtifact fetches a single artifact by id
func (c *client) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	var res Artifact
	err := getJSON(ctx, c, c.apipath("artifacts", id), &res, Fallbacks{
		Client: "artifact not found",
		Server: "backend failed to fetch artifact",
	})
	return res, err
}

// DeleteArtifact removes an artifact on the backend
func (c *client) DeleteArtifact(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apipath("artifacts", id), http.NoBody)
	if err != nil {
		return fmt.Errorf("can't make delete request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend call failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response
	return discard(resp, Fallbacks{
		Client: "artifact can't be deleted",
		Server: "backend failed to delete artifact",
	})
}

// ArtifactContent streams artifact bytes. The caller must close the reader.
// The second return is the file name from Content-Disposition, may be empty.
func (c *client) ArtifactContent(ctx context.Context, id string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apipath("artifacts", id, "content"), http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("can't make content request: %w", err)
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("backend call failed: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close() //nolint:errcheck // read-only response
		return nil, "", apiError(resp, Fallbacks{
			Client: "artifact content not available",
			Server: "backend failed to stream artifact",
		})
	}

	name := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, perr := mime.ParseMediaType(cd); perr == nil {
			name = params["filename"]
		}
	}
	return resp.Body, name, nil
}
