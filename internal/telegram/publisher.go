package telegram

import (
	"context"
	"fmt"
	"os"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/comicbot/dailycomic/pkg/model"
)

// ChannelPublisher posts the approved daily to a Telegram channel. It
// implements the publish.Target contract.
type ChannelPublisher struct {
	api       *tgbotapi.BotAPI
	channelID int64
}

// NewChannelPublisher creates a channel publish target.
func NewChannelPublisher(api *tgbotapi.BotAPI, channelID int64) *ChannelPublisher {
	return &ChannelPublisher{api: api, channelID: channelID}
}

// Name identifies the target in publish receipts.
func (p *ChannelPublisher) Name() string {
	return "telegram-channel"
}

// Publish sends the asset to the channel and returns the message id. Image
// assets go out as photos with the caption attached; text assets as plain
// messages.
func (p *ChannelPublisher) Publish(ctx context.Context, asset model.RenderedAsset, caption string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var sent tgbotapi.Message
	var err error

	switch asset.Format {
	case "png", "jpeg", "image":
		photo := tgbotapi.NewPhoto(p.channelID, tgbotapi.FilePath(asset.Path))
		photo.Caption = caption
		sent, err = p.api.Send(photo)
	default:
		body, readErr := os.ReadFile(asset.Path)
		if readErr != nil {
			return "", fmt.Errorf("failed to read asset: %w", readErr)
		}
		text := string(body)
		if caption != "" {
			text = text + "\n\n" + caption
		}
		sent, err = p.api.Send(tgbotapi.NewMessage(p.channelID, text))
	}

	if err != nil {
		return "", fmt.Errorf("failed to publish to channel: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
