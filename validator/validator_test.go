package validator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/extgov/meta"
)

const readerManifest = `
id: reader
name: Reader
version: 1.2.0
min_host_api: 2.0.0
target_host_api: 2.4.0
description: reads things
dependencies:
  - id: core
    min_version: 1.0.0
`

func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func TestValidateExtractsDescriptor(t *testing.T) {
	pkg := writePackage(t, map[string]string{
		ManifestName: readerManifest,
		"main.js":    "export default {}",
	})

	res, err := New().Validate(pkg)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NotNil(t, res.Descriptor)
	assert.Empty(t, res.Errors)

	assert.Equal(t, meta.Descriptor{
		ID:            "reader",
		Name:          "Reader",
		Version:       "1.2.0",
		MinHostAPI:    "2.0.0",
		TargetHostAPI: "2.4.0",
		Dependencies:  []meta.Dependency{{ID: "core", MinVersion: "1.0.0"}},
	}, *res.Descriptor)
}

func TestValidateMissingManifest(t *testing.T) {
	pkg := writePackage(t, map[string]string{"main.js": "x"})

	res, err := New().Validate(pkg)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Nil(t, res.Descriptor)
	assert.Contains(t, res.Errors, ManifestName+" not found")
}

func TestValidateSchemaIssues(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     string
	}{
		{"missing version", "id: reader\nname: Reader\n", "version"},
		{"bad id", "id: Reader!\nname: Reader\nversion: 1.0.0\n", "/id"},
		{"numeric version", "id: reader\nname: Reader\nversion: 1.0\n", "/version"},
		{"unknown field", "id: reader\nname: Reader\nversion: 1.0.0\nentry: main.js\n", "entry"},
		{"bad dependency", "id: reader\nname: Reader\nversion: 1.0.0\ndependencies:\n  - min_version: 1.0.0\n", "/dependencies/0"},
		{"empty", "", "empty"},
		{"not yaml", "id: [", ManifestName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := writePackage(t, map[string]string{ManifestName: tt.manifest})
			res, err := New().Validate(pkg)
			require.NoError(t, err)
			assert.True(t, res.Valid)
			assert.Nil(t, res.Descriptor)
			require.NotEmpty(t, res.Errors)
			assert.Contains(t, strings.Join(res.Errors, "\n"), tt.want)
		})
	}
}

func TestValidateSelfDependency(t *testing.T) {
	pkg := writePackage(t, map[string]string{
		ManifestName: "id: reader\nname: Reader\nversion: 1.0.0\ndependencies:\n  - id: reader\n",
	})
	res, err := New().Validate(pkg)
	require.NoError(t, err)
	assert.Nil(t, res.Descriptor)
	assert.NotEmpty(t, res.Errors)
}

func TestValidateRejectsOversizedPackage(t *testing.T) {
	pkg := writePackage(t, map[string]string{
		ManifestName: readerManifest,
		"blob.bin":   strings.Repeat("x", 2048),
	})

	res, err := New(WithMaxPackageSize(1024)).Validate(pkg)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Nil(t, res.Descriptor)
	assert.Contains(t, strings.Join(res.Errors, "\n"), "maximum size")
}

func TestValidateRejectsSymlink(t *testing.T) {
	pkg := writePackage(t, map[string]string{ManifestName: readerManifest})
	if err := os.Symlink("/etc/passwd", filepath.Join(pkg, "passwd")); err != nil {
		t.Skip("symlinks not supported")
	}

	res, err := New().Validate(pkg)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, strings.Join(res.Errors, "\n"), "symbolic link")
}

func TestValidateMissingPackage(t *testing.T) {
	res, err := New().Validate(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
}
