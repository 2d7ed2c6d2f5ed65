package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// OpenDownload starts fetching an archived file. itemURL may be absolute or
// base-relative. Only the request/response exchange is retried; the caller
// streams the returned body and closes it. size is -1 when the server did
// not send a length.
func (c *Client) OpenDownload(ctx context.Context, itemURL string) (body io.ReadCloser, size int64, err error) {
	// The URL is not logged: server-constructed URLs may embed credentials.
	c.logger.Info("opening download")

	resp, err := c.do(ctx, &request{method: http.MethodGet, path: itemURL, authed: true})
	if err != nil {
		return nil, 0, fmt.Errorf("archive: opening download: %w", err)
	}

	return resp.Body, resp.ContentLength, nil
}
