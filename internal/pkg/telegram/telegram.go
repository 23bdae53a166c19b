package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"habittracker/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Update 表示一条入站消息中与绑定相关的字段。
type Update struct {
	ChatID   int64  // 消息来源 chat id
	Username string // 发送者用户名（可能为空）
}

// Gateway 定义消息网关接口。
//
// SendMessage 发后不管（不等待投递确认）；GetUpdates 拉取入站消息积压。
type Gateway interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	GetUpdates(ctx context.Context) ([]Update, error)
}

// Bot 是基于 Telegram Bot API 的 Gateway 实现。
type Bot struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewBot 创建 Telegram 网关。
//
// 出站调用通过带超时的 http.Client 限制，避免单个慢请求拖垮整个扫描周期。
//
// 参数:
//
//	cfg: Telegram 配置（token、端点、超时）
//	logger: 日志记录器
//
// 返回值:
//
//	*Bot: 网关实例
//	error: token 缺失或鉴权失败返回错误
func NewBot(cfg *config.TelegramConfig, logger *slog.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}

	timeout := cfg.PollTimeout
	if cfg.SendTimeout > timeout {
		timeout = cfg.SendTimeout
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	api.Debug = false

	logger.Info("telegram gateway ready", slog.String("bot", api.Self.UserName))
	return &Bot{api: api, logger: logger}, nil
}

// SendMessage 发送文本消息到指定 chat。
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// GetUpdates 拉取入站消息积压。
//
// 不做 offset 确认，同一批消息可能在下个周期被重复读取；
// 绑定逻辑按覆盖写处理，天然幂等。
func (b *Bot) GetUpdates(ctx context.Context) ([]Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := b.api.GetUpdates(tgbotapi.UpdateConfig{Offset: 0, Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("telegram get updates: %w", err)
	}

	updates := make([]Update, 0, len(raw))
	for _, u := range raw {
		if u.Message == nil || u.Message.Chat == nil {
			continue
		}
		username := u.Message.Chat.UserName
		if u.Message.From != nil && u.Message.From.UserName != "" {
			username = u.Message.From.UserName
		}
		updates = append(updates, Update{
			ChatID:   u.Message.Chat.ID,
			Username: username,
		})
	}
	return updates, nil
}
