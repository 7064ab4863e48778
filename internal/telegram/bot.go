// Package telegram is a button-driven chat front end for license owners.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"licensekeeper/internal/license"
	"licensekeeper/internal/owner"
	"licensekeeper/internal/store"
)

const (
	listShown        = 20
	activationsShown = 30
)

// Manager is the owner-scoped license service.
type Manager interface {
	CreateLicense(ctx context.Context, ownerID int64, expiresAt time.Time, allowedIPs *string) (store.License, error)
	ListLicenses(ctx context.Context, ownerID int64, skip, limit int) ([]store.License, error)
	GetLicense(ctx context.Context, ownerID, id int64) (store.License, error)
	GetLicenseByKey(ctx context.Context, ownerID int64, key string) (store.License, error)
	SetActive(ctx context.Context, ownerID, id int64, active bool) (store.License, error)
	ListActivations(ctx context.Context, ownerID, id int64) ([]store.Activation, error)
}

// sender is the part of *tgbotapi.BotAPI the bot uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	api     sender
	owners  owner.Directory
	manager Manager
	clock   quartz.Clock
	logger  zerolog.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone       pendingState = ""
	stateNewLicense pendingState = "new_license"
	stateAskInfo    pendingState = "ask_info"
	stateAskEnable  pendingState = "ask_enable"
	stateAskDisable pendingState = "ask_disable"
)

func NewBot(token string, debug bool, owners owner.Directory, manager Manager, clock quartz.Clock, logger zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, xerrors.Errorf("telegram login: %w", err)
	}
	api.Debug = debug
	logger.Info().Str("username", api.Self.UserName).Msg("telegram bot authorized")
	return newBot(api, owners, manager, clock, logger), nil
}

func newBot(api sender, owners owner.Directory, manager Manager, clock quartz.Clock, logger zerolog.Logger) *Bot {
	return &Bot{
		api:     api,
		owners:  owners,
		manager: manager,
		clock:   clock,
		logger:  logger.With().Str("component", "telegram").Logger(),
		states:  map[int64]pendingState{},
	}
}

// Run handles updates until ctx is done or the update channel closes.
func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(ctx, u.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	o, err := b.owners.ByTelegramChat(ctx, chatID)
	if err != nil {
		b.logger.Info().Int64("chat_id", chatID).Msg("message from unknown chat")
		b.reply(chatID, "This bot is only available to registered license owners.")
		return
	}

	if strings.HasPrefix(text, "/start") || strings.HasPrefix(text, "/help") || strings.HasPrefix(text, "/menu") {
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License management")
		return
	}

	switch b.getState(chatID) {
	case stateNewLicense:
		b.handleNewLicenseInput(ctx, o, chatID, text)
	case stateAskInfo:
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, o, chatID, text)
		b.sendMenu(chatID, "")
	case stateAskEnable:
		b.setState(chatID, stateNone)
		b.cmdSetActive(ctx, o, chatID, text, true)
		b.sendMenu(chatID, "")
	case stateAskDisable:
		b.setState(chatID, stateNone)
		b.cmdSetActive(ctx, o, chatID, text, false)
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Use the buttons below.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID

	o, err := b.owners.ByTelegramChat(ctx, chatID)
	if err != nil {
		_ = b.answerCallback(q.ID, "Access denied")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License management")
	case data == "new":
		b.setState(chatID, stateNewLicense)
		b.reply(chatID, "Send the validity in days, optionally followed by allowed IPs.\nExample: 30 1.2.3.4, 5.6.7.8")
	case data == "list":
		b.setState(chatID, stateNone)
		b.cmdList(ctx, o, chatID)
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "Send the license key:")
	case data == "ask_enable":
		b.setState(chatID, stateAskEnable)
		b.reply(chatID, "Send the license key to enable:")
	case data == "ask_disable":
		b.setState(chatID, stateAskDisable)
		b.reply(chatID, "Send the license key to disable:")
	case strings.HasPrefix(data, "info:"):
		b.setState(chatID, stateNone)
		id, err := strconv.ParseInt(strings.TrimPrefix(data, "info:"), 10, 64)
		if err != nil {
			b.sendMenu(chatID, "Unknown action")
			return
		}
		lic, err := b.manager.GetLicense(ctx, o.ID, id)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.showInfo(ctx, o, chatID, lic)
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ New license", "new"),
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Info", "ask_info"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Enable", "ask_enable"),
			tgbotapi.NewInlineKeyboardButtonData("⛔ Disable", "ask_disable"),
		),
	)
	b.send(msg)
}

// latest pages through the owner's licenses and keeps the newest n,
// newest first.
func (b *Bot) latest(ctx context.Context, ownerID int64, n int) ([]store.License, error) {
	var tail []store.License
	for skip := 0; ; {
		page, err := b.manager.ListLicenses(ctx, ownerID, skip, 0)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		tail = append(tail, page...)
		if len(tail) > n {
			tail = tail[len(tail)-n:]
		}
		skip += len(page)
	}
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail, nil
}

func (b *Bot) cmdList(ctx context.Context, o owner.Owner, chatID int64) {
	list, err := b.latest(ctx, o.ID, listShown)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "You have no licenses yet.")
		return
	}

	lines := []string{"Latest licenses (tap for details):"}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, len(list)+1)
	for _, lic := range list {
		lines = append(lines, fmt.Sprintf("- %s | expires %s | active=%v", lic.Key, lic.ExpiresAt.Format(time.DateOnly), lic.IsActive))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+shortKey(lic.Key), "info:"+strconv.FormatInt(lic.ID, 10)),
		))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func shortKey(k string) string {
	k = strings.TrimSpace(k)
	if len(k) <= 18 {
		return k
	}
	return k[:10] + "..." + k[len(k)-6:]
}

// handleNewLicenseInput parses "<days> [ip, ip...]".
func (b *Bot) handleNewLicenseInput(ctx context.Context, o owner.Owner, chatID int64, text string) {
	fields := strings.Fields(text)
	days, err := strconv.Atoi(fields[0])
	if err != nil || days <= 0 {
		b.reply(chatID, "Days must be a positive number.")
		return
	}
	var allowed *string
	if rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0])); rest != "" {
		allowed = &rest
	}

	expires := b.clock.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
	lic, err := b.manager.CreateLicense(ctx, o.ID, expires, allowed)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.setState(chatID, stateNone)
	b.reply(chatID, fmt.Sprintf("License created:\n%s\nExpires: %s\nAllowed IPs: %s",
		lic.Key, lic.ExpiresAt.Format(time.RFC3339), allowedIPs(lic.AllowedIPs)))
	b.sendMenu(chatID, "")
}

func (b *Bot) cmdInfo(ctx context.Context, o owner.Owner, chatID int64, key string) {
	lic, err := b.manager.GetLicenseByKey(ctx, o.ID, strings.TrimSpace(key))
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.showInfo(ctx, o, chatID, lic)
}

func (b *Bot) showInfo(ctx context.Context, o owner.Owner, chatID int64, lic store.License) {
	acts, err := b.manager.ListActivations(ctx, o.ID, lic.ID)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	lines := []string{
		"License: " + lic.Key,
		fmt.Sprintf("Active: %v", lic.IsActive),
		"Expires: " + lic.ExpiresAt.Format(time.RFC3339),
		"Allowed IPs: " + allowedIPs(lic.AllowedIPs),
		"Created: " + lic.CreatedAt.Format(time.RFC3339),
		fmt.Sprintf("Machines: %d", len(acts)),
	}
	shown := min(len(acts), activationsShown)
	for _, a := range acts[:shown] {
		ip := "-"
		if a.IPAddress != nil {
			ip = *a.IPAddress
		}
		lines = append(lines, fmt.Sprintf("- %s ip=%s (last: %s)", a.MachineID, ip, a.LastCheckIn.Format(time.RFC3339)))
	}
	if len(acts) > shown {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(acts)-shown))
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdSetActive(ctx context.Context, o owner.Owner, chatID int64, key string, active bool) {
	lic, err := b.manager.GetLicenseByKey(ctx, o.ID, strings.TrimSpace(key))
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	lic, err = b.manager.SetActive(ctx, o.ID, lic.ID, active)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("OK\n%s\nActive: %v", lic.Key, lic.IsActive))
}

func (b *Bot) answerCallback(id string, text string) error {
	_, err := b.api.Request(tgbotapi.NewCallback(id, text))
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

// replyErr shows owners what went wrong without leaking store internals.
func (b *Bot) replyErr(chatID int64, err error) {
	var verr *license.ValidationError
	switch {
	case xerrors.Is(err, store.ErrNotFound):
		b.reply(chatID, "License not found.")
	case xerrors.As(err, &verr):
		b.reply(chatID, "Invalid input: "+verr.Error())
	default:
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("telegram command failed")
		b.reply(chatID, "Something went wrong, try again later.")
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Warn().Err(err).Msg("telegram send failed")
	}
}

func allowedIPs(raw *string) string {
	list := license.ParseAllowlist(raw)
	if !list.Restricted() {
		return "any"
	}
	s := strings.Join(list, ", ")
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
