package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/vaultsync/internal/asset"
)

// UploadRequest carries the form fields of POST /{slot}/upload.
type UploadRequest struct {
	OwnerID      string
	Slot         int
	OriginalID   int64
	FileName     string
	FileDate     time.Time
	CreationDate time.Time
	MetaInfo     string
	ExtAttr      string
	DurationMs   int64
	Size         int64
}

// NewUploadRequest describes a for upload under ownerID. The asset's own
// id becomes the archive's original id.
func NewUploadRequest(a *asset.Asset, ownerID string) UploadRequest {
	ext := a.ExtAttr
	if ext == "" {
		ext = "{}"
	}

	return UploadRequest{
		OwnerID:      ownerID,
		Slot:         a.Partition,
		OriginalID:   a.ID,
		FileName:     a.Name,
		FileDate:     a.ModifiedAt,
		CreationDate: a.CreatedAt,
		MetaInfo:     encodeMetaInfo(a),
		ExtAttr:      ext,
		DurationMs:   a.DurationMs,
		Size:         a.Size,
	}
}

// Upload streams content as the File part of a multipart form. The body is
// produced on the fly through a pipe, so the request is never replayed;
// retrying is the caller's decision.
func (c *Client) Upload(ctx context.Context, req UploadRequest, content io.Reader) error {
	path := fmt.Sprintf("/%d/upload", req.Slot)

	c.logger.Info("uploading file",
		slog.Int("slot", req.Slot),
		slog.Int64("original_id", req.OriginalID),
		slog.Int64("size", req.Size),
	)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})

	go func() {
		defer close(done)
		pw.CloseWithError(writeUploadForm(mw, &req, content))
	}()

	resp, err := c.doStream(ctx, http.MethodPost, path, mw.FormDataContentType(), pr)

	// Unblock the writer if the server answered before consuming the body,
	// then wait so content is no longer read once we return.
	pr.Close()
	<-done

	if err != nil {
		return err
	}

	drain(resp)

	c.logger.Debug("upload complete",
		slog.Int("slot", req.Slot),
		slog.Int64("original_id", req.OriginalID),
	)

	return nil
}

func writeUploadForm(mw *multipart.Writer, req *UploadRequest, content io.Reader) error {
	fields := []struct{ name, value string }{
		{"OwnerId", req.OwnerID},
		{"Slot", strconv.Itoa(req.Slot)},
		{"FileDate", strconv.FormatInt(toMillis(req.FileDate), 10)},
		{"CreationDate", strconv.FormatInt(toMillis(req.CreationDate), 10)},
		{"OriginalId", strconv.FormatInt(req.OriginalID, 10)},
		{"MetaInfo", req.MetaInfo},
		{"ExtAttr", req.ExtAttr},
		{"Duration", strconv.FormatInt(req.DurationMs, 10)},
		{"Size", strconv.FormatInt(req.Size, 10)},
	}

	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return fmt.Errorf("writing field %s: %w", f.name, err)
		}
	}

	part, err := mw.CreateFormFile("File", req.FileName)
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}

	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("streaming file content: %w", err)
	}

	return mw.Close()
}

// doStream sends an authenticated request with a one-shot body. Unlike do,
// it never retries: a partially consumed reader cannot be replayed. Only
// 200 means the server stored the payload; any other status is an error.
func (c *Client) doStream(
	ctx context.Context, method, path, contentType string, body io.Reader,
) (*http.Response, error) {
	r := &request{method: method, path: path, contentType: contentType, authed: true}

	target, err := c.resolve(r)
	if err != nil {
		return nil, fmt.Errorf("archive: %s %s: %w", method, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("archive: creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("streaming request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("archive: %s %s: %w", method, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp, true)
	}

	return resp, nil
}
