// Package bot wires the Telegram transport to the conversation engine, the
// ledger, and the approval workflow.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/asterv/marketbot/internal/approval"
	"github.com/asterv/marketbot/internal/config"
	"github.com/asterv/marketbot/internal/flow"
	"github.com/asterv/marketbot/internal/ledger"
	"github.com/asterv/marketbot/internal/logger"
	"github.com/asterv/marketbot/internal/store"
	"github.com/asterv/marketbot/internal/telegram"
	"github.com/asterv/marketbot/internal/telegram/middleware"
	"github.com/asterv/marketbot/internal/telegram/sender"
)

// Bot runs the Telegram front of the shop.
type Bot struct {
	tb         *tele.Bot
	cfg        *config.Config
	dispatcher *sender.Dispatcher
	outbound   *Outbound
	engine     *flow.Engine
	ledger     *ledger.Service
	approval   *approval.Service
	store      *store.FileStore
}

// New builds the bot, its outbound dispatcher, and the conversation engine,
// and registers all routes.
func New(cfg *config.Config, st *store.FileStore, led *ledger.Service) (*Bot, error) {
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: telegram.NewPoller(cfg),
		Client: telegram.NewHTTPClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("bot: initialization failed: %w", err)
	}

	dispatcher := sender.NewDispatcher(sender.Options{})
	outbound := NewOutbound(tb, dispatcher, cfg.Admins)

	// The approval service fans out to admins through the same outbound path,
	// keeping all network I/O off the store lock.
	appr := approval.New(st, cfg.Pricing.PaymentGrant, outbound)

	sessions := flow.NewSessionManager(cfg.Flow.IdleTimeout)
	engine := flow.NewEngine(sessions, st, led, appr, outbound, "USD", cfg.Store.CacheTTL)

	b := &Bot{
		tb:         tb,
		cfg:        cfg,
		dispatcher: dispatcher,
		outbound:   outbound,
		engine:     engine,
		ledger:     led,
		approval:   appr,
		store:      st,
	}
	b.registerRoutes()
	return b, nil
}

// Approval exposes the approval workflow for other surfaces (HTTP API).
func (b *Bot) Approval() *approval.Service {
	return b.approval
}

// Run starts the bot and blocks until ctx is done or the poller stops.
func (b *Bot) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.cfg.Flow.IdleTimeout > 0 {
		go b.engine.Sessions().RunSweeper(ctx, time.Minute)
	}

	logger.Info(ctx, "tg", "mode",
		slog.String("mode", b.cfg.Telegram.RunMode),
	)

	b.publishCommandMenu(ctx)

	runDone := make(chan struct{})
	go func() {
		b.tb.Start()
		close(runDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		b.tb.Stop()
		<-runDone
		runErr = ctx.Err()
	case <-runDone:
	}

	b.dispatcher.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (b *Bot) use(mws ...tele.MiddlewareFunc) {
	for _, mw := range mws {
		b.tb.Use(mw)
	}
}

func (b *Bot) registerRoutes() {
	b.use(middleware.RecoverMiddleware, middleware.LoggerMiddleware)
	if interval := time.Duration(b.cfg.RateLimit.IntervalMS) * time.Millisecond; interval > 0 {
		b.use(middleware.RateLimitMiddleware(middleware.RateLimitOptions{
			Interval:         interval,
			ExcludeCallbacks: b.cfg.RateLimit.ExcludeCallbacks,
		}))
	}

	adminOnly := middleware.AdminOnlyMiddleware(middleware.AdminOptions{
		Admins: b.cfg.Admins,
		OnReject: func(c tele.Context) error {
			return c.Send("This command is for admins.")
		},
	})

	b.tb.Handle("/start", b.handleStart)
	b.tb.Handle("/help", b.handleHelp)
	b.tb.Handle("/balance", b.handleBalance)
	b.tb.Handle("/history", b.handleHistory)
	b.tb.Handle("/cancel", b.flowText)
	b.tb.Handle("/pending", adminOnly(b.handlePending))
	b.tb.Handle("/grant", adminOnly(b.handleGrant))

	b.tb.Handle(tele.OnText, b.handleText)
	b.tb.Handle(tele.OnPhoto, b.handleProofMedia)
	b.tb.Handle(tele.OnDocument, b.handleProofMedia)

	b.tb.Handle(&btnApprove, b.handleDecision(approval.Approve))
	b.tb.Handle(&btnReject, b.handleDecision(approval.Reject))
}

// publishCommandMenu sets the Telegram command menu. Admin-only commands stay
// out of the public list.
func (b *Bot) publishCommandMenu(ctx context.Context) {
	commands := []tele.Command{
		{Text: "start", Description: "Open the main menu"},
		{Text: "balance", Description: "Show your balances and wallet"},
		{Text: "history", Description: "Show your recent orders"},
		{Text: "cancel", Description: "Abort the current flow"},
		{Text: "help", Description: "How to use the bot"},
	}
	if err := b.tb.SetCommands(commands); err != nil {
		logger.Error(ctx, "tg", "commands.set_failed",
			slog.String("err", err.Error()),
		)
	}
}
