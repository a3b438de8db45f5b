package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoader_LoadReadsFileUnderWorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("hello"), 0o644))

	loader := NewFileLoader()
	content, err := loader.Load(dir, "CLAUDE.md")

	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestFileLoader_LoadRejectsTraversalOutsideWorkingDir(t *testing.T) {
	dir := t.TempDir()
	loader := NewFileLoader()

	_, err := loader.Load(dir, "../../etc/passwd")

	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestFileLoader_LoadRejectsEmptyWorkingDir(t *testing.T) {
	loader := NewFileLoader()

	_, err := loader.Load("", "CLAUDE.md")

	assert.Error(t, err)
}

func TestFileLoader_ExistsFalseForMissingFile(t *testing.T) {
	dir := t.TempDir()
	loader := NewFileLoader()

	assert.False(t, loader.Exists(dir, "missing.md"))
}

func TestFileLoader_ExistsFalseForDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	loader := NewFileLoader()

	assert.False(t, loader.Exists(dir, "sub"))
}

func TestFileLoader_ExistsTrueForReadableFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "context.md"), []byte("x"), 0o644))
	loader := NewFileLoader()

	assert.True(t, loader.Exists(dir, "context.md"))
}

func TestBuildContext_SkipsUnreadableFilesAndJoinsWithSeparator(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("B"), 0o644))
	loader := NewFileLoader()

	context, loaded, err := BuildContext(loader, dir, []string{"a.md", "missing.md", "b.md"})

	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, loaded)
	assert.Contains(t, context, "## a.md\n\nA")
	assert.Contains(t, context, "## b.md\n\nB")
	assert.Contains(t, context, ContextSeparator)
}

func TestBuildContext_EmptyWhenNoFilesLoad(t *testing.T) {
	dir := t.TempDir()
	loader := NewFileLoader()

	context, loaded, err := BuildContext(loader, dir, []string{"missing.md"})

	require.NoError(t, err)
	assert.Empty(t, context)
	assert.Empty(t, loaded)
}

func TestBuildContext_PropagatesPathEscape(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("A"), 0o644))
	loader := NewFileLoader()

	context, loaded, err := BuildContext(loader, dir, []string{"a.md", "../../etc/passwd"})

	assert.ErrorIs(t, err, ErrPathEscape)
	assert.Empty(t, context)
	assert.Empty(t, loaded)
}
