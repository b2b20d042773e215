package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
)

func newReadFileTool(t *testing.T, publisher Publisher) (*ReadFileTool, string) {
	t.Helper()
	base := t.TempDir()
	tool := NewReadFileTool(&config.FileReaderConfig{
		AllowedBasePath: base,
		MaxFileSize:     1024,
	}, publisher)
	return tool, base
}

func TestReadFileReturnsContent(t *testing.T) {
	publisher := &recordingPublisher{}
	tool, base := newReadFileTool(t, publisher)
	require.NoError(t, os.WriteFile(filepath.Join(base, "notes.md"), []byte("# Notes\nbody"), 0o644))

	ctx := WithInvocation(context.Background(), Invocation{MissionID: "m1"})
	result, err := tool.Execute(ctx, map[string]interface{}{"path": "notes.md"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "# Notes\nbody", result.Content)

	reads := publisher.byType(bus.FeedbackFileRead)
	require.Len(t, reads, 1)
	assert.Equal(t, "notes.md", reads[0].Payload["path"])
}

func TestReadFileRejectsNonMarkdown(t *testing.T) {
	tool, base := newReadFileTool(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(base, "data.txt"), []byte("x"), 0o644))

	result, err := tool.Execute(context.Background(), map[string]interface{}{"path": "data.txt"})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "markdown")
}

func TestReadFileRejectsOutsideBasePath(t *testing.T) {
	tool, _ := newReadFileTool(t, nil)
	outside := filepath.Join(t.TempDir(), "escape.md")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	result, err := tool.Execute(context.Background(), map[string]interface{}{"path": outside})
	require.Error(t, err)
	assert.False(t, result.Success)
}

func TestReadFileTraversesSymlinkInAllowedDir(t *testing.T) {
	tool, base := newReadFileTool(t, nil)

	// Target lives outside the allowed tree; the link's containing
	// directory is what must validate.
	target := filepath.Join(t.TempDir(), "target.md")
	require.NoError(t, os.WriteFile(target, []byte("linked content"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(base, "link.md")))

	result, err := tool.Execute(context.Background(), map[string]interface{}{"path": "link.md"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "linked content", result.Content)
}

func TestReadFileRejectsOversizedFile(t *testing.T) {
	tool, base := newReadFileTool(t, nil)
	big := make([]byte, 2048)
	require.NoError(t, os.WriteFile(filepath.Join(base, "big.md"), big, 0o644))

	result, err := tool.Execute(context.Background(), map[string]interface{}{"path": "big.md"})
	require.Error(t, err)
	assert.Contains(t, result.Error, "too large")
}
