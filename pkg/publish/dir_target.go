package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/comicbot/dailycomic/pkg/model"
)

// DirTarget publishes by copying the asset into a local directory. It is the
// default target when no chat channel is configured.
type DirTarget struct {
	Dir string
}

// Name identifies the target in publish receipts.
func (t *DirTarget) Name() string {
	return "local-dir"
}

// Publish copies the asset and writes the caption alongside it.
func (t *DirTarget) Publish(ctx context.Context, asset model.RenderedAsset, caption string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create publish directory: %w", err)
	}

	dst := filepath.Join(t.Dir, filepath.Base(asset.Path))
	if err := copyFile(asset.Path, dst); err != nil {
		return "", err
	}

	if caption != "" {
		captionPath := dst + ".caption.txt"
		if err := os.WriteFile(captionPath, []byte(caption), 0o644); err != nil {
			return "", fmt.Errorf("failed to write caption: %w", err)
		}
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open asset: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create published file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy asset: %w", err)
	}
	return out.Close()
}
