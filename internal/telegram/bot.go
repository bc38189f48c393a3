// Package telegram is the chat front end: operators receive decision prompts
// with inline buttons, issue pipeline commands, and the winning daily is
// published to a channel.
package telegram

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/comicbot/dailycomic/internal/config"
	"github.com/comicbot/dailycomic/pkg/model"
)

// Controller is the pipeline surface the bot drives.
type Controller interface {
	StartRun(date string, kind model.ArtifactKind) (string, error)
	SubmitDecision(runID string, stage model.Stage, decision model.Decision) error
	CancelRun(runID string, actor string) error
	GetRunState(runID string) (model.Run, error)
	OpenRuns() []model.Run
}

// Bot is the Telegram bot instance.
type Bot struct {
	api        *tgbotapi.BotAPI
	cfg        config.TelegramConfig
	controller Controller
	logger     zerolog.Logger

	running bool
	updates tgbotapi.UpdatesChannel
}

// New creates a Telegram bot.
func New(cfg config.TelegramConfig, controller Controller, logger zerolog.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := &Bot{
		api:        api,
		cfg:        cfg,
		controller: controller,
		logger:     logger.With().Str("component", "telegram").Logger(),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// Start begins processing updates.
func (b *Bot) Start() error {
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	b.updates = b.api.GetUpdatesChan(u)
	b.running = true
	go b.processUpdates()

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops the bot.
func (b *Bot) Stop() {
	if !b.running {
		return
	}
	b.running = false
	b.api.StopReceivingUpdates()
	b.logger.Info().Msg("Telegram bot stopped")
}

// API exposes the underlying client, used by the channel publisher.
func (b *Bot) API() *tgbotapi.BotAPI {
	return b.api
}

func (b *Bot) processUpdates() {
	for update := range b.updates {
		if !b.running {
			break
		}
		if err := b.handleUpdate(update); err != nil {
			b.logger.Error().Err(err).Int("update_id", update.UpdateID).Msg("Failed to handle update")
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	if update.CallbackQuery != nil {
		return b.handleCallback(update.CallbackQuery)
	}
	if update.Message != nil && update.Message.IsCommand() {
		return b.handleCommand(update.Message)
	}
	return nil
}

// isOperator reports whether the chat may drive the pipeline.
func (b *Bot) isOperator(chatID int64) bool {
	for _, id := range b.cfg.Operators {
		if id == chatID {
			return true
		}
	}
	return false
}

func (b *Bot) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
	}
}

func (b *Bot) sendWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send prompt")
	}
}

// broadcast sends to every operator chat.
func (b *Bot) broadcast(text string) {
	for _, chatID := range b.cfg.Operators {
		b.send(chatID, text)
	}
}

func (b *Bot) actorFor(msg *tgbotapi.Message) string {
	if msg.From != nil && msg.From.UserName != "" {
		return "telegram:" + msg.From.UserName
	}
	return fmt.Sprintf("telegram:%d", msg.Chat.ID)
}

// today is the date new manually started runs use.
func today() string {
	return time.Now().Format("2006-01-02")
}
