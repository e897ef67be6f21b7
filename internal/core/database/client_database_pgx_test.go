package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN("postgres://u:p@localhost:5432/app", "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost:5432/app", dsn)

	cert := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o600))
	dsn, err = buildDSN("postgres://u:p@localhost:5432/app?application_name=contexta", cert)
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=verify-ca")
	assert.Contains(t, dsn, "application_name=contexta")
	assert.Contains(t, dsn, "sslrootcert=")

	_, err = buildDSN("postgres://localhost/app", filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestRenderSchema(t *testing.T) {
	schema, err := renderSchema(768)
	require.NoError(t, err)
	assert.Contains(t, schema, "vector(768)")
	assert.NotContains(t, schema, "{{EMBED_DIM}}")
	assert.True(t, strings.Contains(schema, "UNIQUE (owner_id, content_hash)"))

	_, err = renderSchema(0)
	assert.Error(t, err)
}
