package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/comicbot/dailycomic/pkg/model"
)

// FileRenderer writes the winning script as a formatted text asset. It stands
// in for the external image renderer, which is a replaceable collaborator.
type FileRenderer struct {
	Dir string
}

// Render writes the asset and returns its location.
func (r *FileRenderer) Render(_ context.Context, req RenderRequest) (model.RenderedAsset, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return model.RenderedAsset{}, fmt.Errorf("failed to create render directory: %w", err)
	}

	path := filepath.Join(r.Dir, fmt.Sprintf("%s_%s.txt", req.Topic.Date, req.Selection.CandidateID))
	if err := os.WriteFile(path, []byte(formatCandidate(req)), 0o644); err != nil {
		return model.RenderedAsset{}, fmt.Errorf("failed to write rendered asset: %w", err)
	}

	return model.RenderedAsset{
		RunID:     req.RunID,
		Path:      path,
		Format:    "text",
		CreatedAt: time.Now(),
	}, nil
}

func formatCandidate(req RenderRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", req.Topic.Title)

	if script := req.Candidate.Script; script != nil {
		fmt.Fprintf(&b, "%s\n%s\n\n", script.Title, script.Description)
		for i, panel := range script.Panels {
			fmt.Fprintf(&b, "Panel %d: %s\n", i+1, panel.Description)
			for _, line := range panel.Dialog {
				fmt.Fprintf(&b, "  %s\n", line)
			}
			if panel.Narration != "" {
				fmt.Fprintf(&b, "  [%s]\n", panel.Narration)
			}
		}
		fmt.Fprintf(&b, "\n%s\n", script.Caption)
	}
	if joke := req.Candidate.Joke; joke != nil {
		fmt.Fprintf(&b, "%s\n\n%s\n", joke.Title, joke.Content)
	}
	return b.String()
}
