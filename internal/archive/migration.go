package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// Device is a device identity known to the archive.
type Device struct {
	ID   string
	Name string
}

// StartResult is the answer to /migration/start: a single-use handle and the
// entries the source identity owned at that moment.
type StartResult struct {
	Handle  string
	Targets []StoredFileEntry
}

// ExecRequest acknowledges one migrated entry: the file at
// (OldOwnerID, Slot, OldOriginalID) now belongs to (NewOwnerID, NewOriginalID).
type ExecRequest struct {
	Handle        string
	OldOwnerID    string
	Slot          int
	OldOriginalID int64
	NewOwnerID    string
	NewOriginalID int64
}

// Devices lists the device identities other than owner known to the
// archive. Any of them can be the target of a migration of owner's files.
func (c *Client) Devices(ctx context.Context, owner string) ([]Device, error) {
	resp, err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   "/migration/devices",
		query:  url.Values{"o": {owner}},
		authed: true,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: listing devices: %w", err)
	}

	var list deviceListJSON
	decodeLenient(readBody(resp), &list)

	devices := make([]Device, 0, len(list.List))
	for _, d := range list.List {
		if d.ID == "" {
			continue
		}

		devices = append(devices, Device{ID: string(d.ID), Name: string(d.Name)})
	}

	return devices, nil
}

// StartMigration opens a migration of source's files to target. Entries
// lacking an id or owner are dropped.
func (c *Client) StartMigration(ctx context.Context, source, target string) (*StartResult, error) {
	resp, err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   "/migration/start",
		query:  url.Values{"n": {target}, "o": {source}},
		authed: true,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: starting migration: %w", err)
	}

	var body startMigrationJSON
	decodeLenient(readBody(resp), &body)

	if body.Handle == "" {
		return nil, errors.New("archive: starting migration: response carried no handle")
	}

	res := &StartResult{Handle: string(body.Handle)}

	for i := range body.Targets {
		e := entryFromJSON(&body.Targets[i])
		if !e.Valid() {
			c.logger.Debug("dropping malformed migration entry", slog.Int("index", i))
			continue
		}

		res.Targets = append(res.Targets, e)
	}

	return res, nil
}

// ExecMigration reports one entry as migrated.
func (c *Client) ExecMigration(ctx context.Context, req ExecRequest) error {
	b, err := json.Marshal(execMigrationJSON{
		Handle:        req.Handle,
		OldOwnerID:    req.OldOwnerID,
		Slot:          req.Slot,
		OldOriginalID: req.OldOriginalID,
		NewOwnerID:    req.NewOwnerID,
		NewOriginalID: req.NewOriginalID,
	})
	if err != nil {
		return fmt.Errorf("archive: encoding migration report: %w", err)
	}

	resp, err := c.do(ctx, &request{
		method:      http.MethodPut,
		path:        "/migration/exec",
		body:        b,
		contentType: "application/json",
		authed:      true,
	})
	if err != nil {
		return fmt.Errorf("archive: reporting migrated entry: %w", err)
	}

	drain(resp)

	return nil
}

// EndMigration closes the migration session; the server rejects further
// reports bearing handle.
func (c *Client) EndMigration(ctx context.Context, handle string) error {
	resp, err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   "/migration/end",
		query:  url.Values{"h": {handle}},
		authed: true,
	})
	if err != nil {
		return fmt.Errorf("archive: ending migration: %w", err)
	}

	drain(resp)

	return nil
}
