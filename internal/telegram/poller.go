// Package telegram holds transport-level plumbing shared by the bot: update
// poller selection and the retrying HTTP client used for Bot API calls.
package telegram

import (
	"net"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/asterv/marketbot/internal/config"
)

const defaultLongPollTimeout = 10 * time.Second

// NewPoller picks the update source from configuration: a webhook listener
// when run_mode is webhook, long polling otherwise.
func NewPoller(cfg *config.Config) tele.Poller {
	if cfg.Telegram.RunMode == config.RunModeWebhook {
		addr := net.JoinHostPort(cfg.Webhook.Listen, strconv.Itoa(cfg.Webhook.Port))
		return &tele.Webhook{
			Listen:   addr,
			Endpoint: &tele.WebhookEndpoint{PublicURL: cfg.Webhook.URL},
		}
	}

	timeout := defaultLongPollTimeout
	if cfg.Telegram.LongPollTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Telegram.LongPollTimeoutSeconds) * time.Second
	}
	return &tele.LongPoller{Timeout: timeout}
}
