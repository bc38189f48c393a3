// Package publish holds the render/publish collaborator contracts and the
// multi-target publisher. Per-target failures are reported per target and
// never abort sibling targets.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/comicbot/dailycomic/pkg/backoff"
	"github.com/comicbot/dailycomic/pkg/model"
)

// RenderRequest carries everything the renderer needs for the winning
// candidate.
type RenderRequest struct {
	RunID     string
	Topic     model.Topic
	Candidate model.Candidate
	Selection model.Selection
}

// Renderer produces a publishable asset from the selection.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (model.RenderedAsset, error)
}

// Target publishes an asset to one channel and returns a message id.
type Target interface {
	Name() string
	Publish(ctx context.Context, asset model.RenderedAsset, caption string) (string, error)
}

// Multi publishes to every configured target, retrying each with the backoff
// policy. One failing target never fails its siblings.
type Multi struct {
	targets []Target
	retry   backoff.Policy
	logger  zerolog.Logger
}

// NewMulti creates a multi-target publisher.
func NewMulti(targets []Target, retry backoff.Policy, logger zerolog.Logger) *Multi {
	if retry.MaxAttempts <= 0 {
		retry = backoff.Default()
	}
	return &Multi{
		targets: targets,
		retry:   retry,
		logger:  logger.With().Str("component", "publish").Logger(),
	}
}

// AddTarget registers another target. Call before the first Publish.
func (m *Multi) AddTarget(target Target) {
	m.targets = append(m.targets, target)
}

// Publish sends the asset to every target and returns one receipt per target.
// An error is returned only when no target succeeded.
func (m *Multi) Publish(ctx context.Context, asset model.RenderedAsset, caption string) ([]model.PublishReceipt, error) {
	if len(m.targets) == 0 {
		return nil, fmt.Errorf("no publish targets configured")
	}

	receipts := make([]model.PublishReceipt, 0, len(m.targets))
	succeeded := 0

	for _, target := range m.targets {
		var messageID string
		err := m.retry.Retry(ctx, nil, func() error {
			var publishErr error
			messageID, publishErr = target.Publish(ctx, asset, caption)
			return publishErr
		})

		receipt := model.PublishReceipt{Target: target.Name(), At: time.Now()}
		if err != nil {
			receipt.Error = err.Error()
			m.logger.Error().Err(err).Str("target", target.Name()).Msg("Publish target failed")
		} else {
			receipt.OK = true
			receipt.MessageID = messageID
			succeeded++
			m.logger.Info().Str("target", target.Name()).Str("message_id", messageID).Msg("Published")
		}
		receipts = append(receipts, receipt)
	}

	if succeeded == 0 {
		return receipts, fmt.Errorf("all %d publish targets failed", len(m.targets))
	}
	return receipts, nil
}
