package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"sceneforge/internal/ports"
)

// objectKeyProperty records the logical key on each Drive file.
const objectKeyProperty = "sceneforge_object_key"

// Client implements ports.StorageProvider backed by Google Drive.
// Drive assigns its own file IDs, so PutObject returns the file ID as the
// stored ObjectKey; Get and Delete take that ID.
type Client struct {
	srv      *drive.Service
	folderID string
}

var _ ports.StorageProvider = (*Client)(nil)

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

// PutObject uploads under the key's base name, e.g. "bat_1.zip" for
// "bundles/bat_1/bat_1.zip", and tags the file with the full key.
func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	file := &drive.File{
		Name:          path.Base(in.ObjectKey),
		AppProperties: map[string]string{objectKeyProperty: in.ObjectKey},
	}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).SupportsAllDrives(true).Fields("id", "size")
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", err)
	}

	size := created.Size
	if size == 0 {
		size = in.Size
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: size}, nil
}

func (c *Client) GetObject(ctx context.Context, fileID string) (rc io.ReadCloser, contentType string, size int64, err error) {
	resp, err := c.srv.Files.Get(fileID).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, fmt.Errorf("gdrive download failed: %w", err)
	}

	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

// DeleteObject removes the file; a file that is already gone is not an error.
func (c *Client) DeleteObject(ctx context.Context, fileID string) error {
	err := c.srv.Files.Delete(fileID).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// GetSignedURL returns the Drive download link of the file. Drive links do
// not expire; ExpiresAt only echoes the requested lifetime.
func (c *Client) GetSignedURL(ctx context.Context, fileID string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	f, err := c.srv.Files.Get(fileID).
		SupportsAllDrives(true).
		Fields("webContentLink").
		Context(ctx).
		Do()
	if err != nil {
		return ports.SignedURLOutput{}, fmt.Errorf("gdrive lookup failed: %w", err)
	}
	return ports.SignedURLOutput{URL: f.WebContentLink, ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}
