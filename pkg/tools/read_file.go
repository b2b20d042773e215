package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
)

// ReadFileTool reads markdown files from the allowed base directory.
// The containing directory is what gets validated, so a symlinked file
// inside the allowed tree is readable even when its target lives
// elsewhere.
type ReadFileTool struct {
	basePath    string
	maxFileSize int64
	publisher   Publisher
}

func NewReadFileTool(cfg *config.FileReaderConfig, publisher Publisher) *ReadFileTool {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &ReadFileTool{
		basePath:    cfg.AllowedBasePath,
		maxFileSize: cfg.MaxFileSize,
		publisher:   publisher,
	}
}

func (t *ReadFileTool) GetName() string {
	return "read_file"
}

func (t *ReadFileTool) GetDescription() string {
	return "Read a markdown file from the allowed documents directory."
}

func (t *ReadFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{
				Name:        "path",
				Type:        "string",
				Description: "Path of the markdown file to read",
				Required:    true,
			},
		},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	path := stringArg(args, "path", "")
	if path == "" {
		return errorResult(t.GetName(), "path parameter is required", start),
			fmt.Errorf("path parameter is required")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".md" && ext != ".markdown" {
		msg := fmt.Sprintf("unsupported file type %q: only markdown files can be read", ext)
		return errorResult(t.GetName(), msg, start), fmt.Errorf("%s", msg)
	}

	fullPath := path
	if !filepath.IsAbs(fullPath) {
		fullPath = filepath.Join(t.basePath, path)
	}

	if err := t.validateDir(fullPath); err != nil {
		return errorResult(t.GetName(), err.Error(), start), err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return errorResult(t.GetName(), fmt.Sprintf("failed to stat file: %v", err), start), err
	}
	if info.Size() > t.maxFileSize {
		msg := fmt.Sprintf("file too large: %d bytes (max %d)", info.Size(), t.maxFileSize)
		return errorResult(t.GetName(), msg, start), fmt.Errorf("%s", msg)
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return errorResult(t.GetName(), fmt.Sprintf("failed to read file: %v", err), start), err
	}

	if inv, ok := InvocationFrom(ctx); ok {
		t.publisher.PublishFeedback(inv.MissionID, bus.Feedback{
			Type:      bus.FeedbackFileRead,
			AgentName: inv.AgentName,
			Payload:   map[string]interface{}{"path": path},
		})
	}

	return ToolResult{
		Success:       true,
		Content:       string(content),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]interface{}{
			"path": path,
			"size": info.Size(),
		},
	}, nil
}

// validateDir checks that the file's containing directory resolves to
// somewhere inside the allowed base path. The file itself may be a
// symlink pointing anywhere.
func (t *ReadFileTool) validateDir(fullPath string) error {
	base, err := filepath.Abs(t.basePath)
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}

	dir, err := filepath.Abs(filepath.Dir(fullPath))
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}

	rel, err := filepath.Rel(base, resolvedDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path is outside the allowed base directory")
	}
	return nil
}
