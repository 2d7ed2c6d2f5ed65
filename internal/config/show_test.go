package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective(t *testing.T) {
	r, err := resolve(DefaultConfig())
	require.NoError(t, err)

	r.ConfigPath = "/etc/vaultsync/config.toml"
	r.ArchiveURL = "https://archive.example"
	r.Password = "secret"
	r.MediaDirs = map[int]string{2: "/media/b", 0: "/media/a"}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	out := buf.String()
	assert.Contains(t, out, "/etc/vaultsync/config.toml")
	assert.Contains(t, out, `url             = "https://archive.example"`)
	assert.Contains(t, out, "[migration]")
	assert.Contains(t, out, `handle_ttl       = "30m0s"`)
	assert.Contains(t, out, "(from VAULTSYNC_PASSWORD)")
	assert.NotContains(t, out, "secret")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("[partition.0]")), bytes.Index(buf.Bytes(), []byte("[partition.2]")))
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	r, err := resolve(DefaultConfig())
	require.NoError(t, err)

	require.EqualError(t, RenderEffective(r, failWriter{}), "disk full")
}
