package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"mangabot/internal/model"
)

// telegramAPI is the slice of the Telegram client the notifier uses.
// Forum-topic endpoints are not typed in the client library, so everything
// goes through MakeRequest.
type telegramAPI interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// ThreadLister provides the persisted thread records for a group, used to
// seed the activity view for threads opened before this process started.
type ThreadLister interface {
	ListThreadsByGroup(ctx context.Context, groupID int64) ([]model.ThreadRecord, error)
}

type topicState struct {
	createdAt    time.Time
	lastActivity time.Time
	archived     bool
}

// Telegram delivers notifications as forum topics in Telegram supergroups.
type Telegram struct {
	api     telegramAPI
	threads ThreadLister
	limiter *rate.Limiter
	log     *slog.Logger

	mu     sync.Mutex
	topics map[int64]map[int64]*topicState // groupID -> threadID

	selfOnce sync.Once
	self     int64
}

// NewTelegram creates a Telegram notifier on an existing bot client.
func NewTelegram(api telegramAPI, threads ThreadLister, log *slog.Logger) *Telegram {
	return &Telegram{
		api:     api,
		threads: threads,
		// Telegram allows bursts but sustained sends are limited per chat.
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 20),
		log:     log,
		topics:  make(map[int64]map[int64]*topicState),
	}
}

func (t *Telegram) request(ctx context.Context, endpoint string, params tgbotapi.Params) (json.RawMessage, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := t.api.MakeRequest(endpoint, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	if !resp.Ok {
		return nil, fmt.Errorf("%s: %s", endpoint, resp.Description)
	}
	return json.RawMessage(resp.Result), nil
}

// Reachable implements Notifier by asking Telegram for the chat.
func (t *Telegram) Reachable(ctx context.Context, _ int64, channelID int64) bool {
	params := tgbotapi.Params{"chat_id": strconv.FormatInt(channelID, 10)}
	_, err := t.request(ctx, "getChat", params)
	return err == nil
}

// CanCreateThreads implements Notifier by checking the bot's member rights.
func (t *Telegram) CanCreateThreads(ctx context.Context, groupID, _ int64, _ bool) error {
	raw, err := t.request(ctx, "getChatMember", tgbotapi.Params{
		"chat_id": strconv.FormatInt(groupID, 10),
		"user_id": strconv.FormatInt(t.selfID(ctx), 10),
	})
	if err != nil {
		return err
	}
	var member struct {
		Status          string `json:"status"`
		CanManageTopics bool   `json:"can_manage_topics"`
	}
	if err := json.Unmarshal(raw, &member); err != nil {
		return fmt.Errorf("decode chat member: %w", err)
	}
	if member.Status == "creator" || member.CanManageTopics {
		return nil
	}
	return fmt.Errorf("%w: can_manage_topics", ErrPermission)
}

func (t *Telegram) selfID(ctx context.Context) int64 {
	t.selfOnce.Do(func() {
		raw, err := t.request(ctx, "getMe", tgbotapi.Params{})
		if err != nil {
			return
		}
		var me struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &me); err == nil {
			t.self = me.ID
		}
	})
	return t.self
}

func renderText(c Content) string {
	text := c.Text
	if c.Embed != nil {
		block := c.Embed.Title
		if c.Embed.URL != "" {
			block += "\n" + c.Embed.URL
		}
		if c.Embed.ImageURL != "" {
			block += "\n" + c.Embed.ImageURL
		}
		if text != "" {
			text = block + "\n\n" + text
		} else {
			text = block
		}
	}
	return text
}

func (t *Telegram) sendParams(chatID int64, c Content) (tgbotapi.Params, error) {
	params := tgbotapi.Params{
		"chat_id": strconv.FormatInt(chatID, 10),
		"text":    renderText(c),
	}
	if len(c.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(c.Buttons))
		for i := range c.Buttons {
			data := c.Buttons[i].Data
			rows = append(rows, []tgbotapi.InlineKeyboardButton{
				{Text: c.Buttons[i].Label, CallbackData: &data},
			})
		}
		markup, err := json.Marshal(tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows})
		if err != nil {
			return nil, fmt.Errorf("encode keyboard: %w", err)
		}
		params["reply_markup"] = string(markup)
	}
	return params, nil
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// Send implements Notifier.
func (t *Telegram) Send(ctx context.Context, _ int64, channelID int64, c Content) (int64, error) {
	params, err := t.sendParams(channelID, c)
	if err != nil {
		return 0, err
	}
	raw, err := t.request(ctx, "sendMessage", params)
	if err != nil {
		return 0, err
	}
	var msg sentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("decode message: %w", err)
	}
	return msg.MessageID, nil
}

// CreateThread implements Notifier by opening a forum topic.
func (t *Telegram) CreateThread(ctx context.Context, groupID, _ int64, title string, _ bool) (int64, error) {
	raw, err := t.request(ctx, "createForumTopic", tgbotapi.Params{
		"chat_id": strconv.FormatInt(groupID, 10),
		"name":    title,
	})
	if err != nil {
		return 0, err
	}
	var topic struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := json.Unmarshal(raw, &topic); err != nil {
		return 0, fmt.Errorf("decode topic: %w", err)
	}
	t.trackTopic(groupID, topic.MessageThreadID, time.Now().UTC())
	return topic.MessageThreadID, nil
}

// CreateThreadFromMessage implements Notifier. Telegram topics cannot attach
// to an existing message, so the topic opens with a link back to it.
func (t *Telegram) CreateThreadFromMessage(ctx context.Context, groupID, channelID, messageID int64, title string) (int64, error) {
	threadID, err := t.CreateThread(ctx, groupID, channelID, title, false)
	if err != nil {
		return 0, err
	}
	_, err = t.request(ctx, "forwardMessage", tgbotapi.Params{
		"chat_id":           strconv.FormatInt(groupID, 10),
		"from_chat_id":      strconv.FormatInt(channelID, 10),
		"message_id":        strconv.FormatInt(messageID, 10),
		"message_thread_id": strconv.FormatInt(threadID, 10),
	})
	if err != nil {
		t.log.Warn("link origin message", "group_id", groupID, "thread_id", threadID, "error", err)
	}
	return threadID, nil
}

// SendInThread implements Notifier.
func (t *Telegram) SendInThread(ctx context.Context, groupID, threadID int64, c Content) (int64, error) {
	params, err := t.sendParams(groupID, c)
	if err != nil {
		return 0, err
	}
	params["message_thread_id"] = strconv.FormatInt(threadID, 10)
	raw, err := t.request(ctx, "sendMessage", params)
	if err != nil {
		return 0, err
	}
	var msg sentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("decode message: %w", err)
	}
	t.touchTopic(groupID, threadID)
	return msg.MessageID, nil
}

// AddRecipient implements Notifier. Users are mentioned so the thread shows
// up for them; group targets get a plain callout.
func (t *Telegram) AddRecipient(ctx context.Context, groupID, threadID, targetID int64, isGroup bool) error {
	var text, mode string
	if isGroup {
		text = fmt.Sprintf("Calling group %d", targetID)
	} else {
		text = fmt.Sprintf("[​](tg://user?id=%d)Adding subscriber.", targetID)
		mode = "Markdown"
	}
	params := tgbotapi.Params{
		"chat_id":           strconv.FormatInt(groupID, 10),
		"message_thread_id": strconv.FormatInt(threadID, 10),
		"text":              text,
	}
	if mode != "" {
		params["parse_mode"] = mode
	}
	if _, err := t.request(ctx, "sendMessage", params); err != nil {
		return err
	}
	t.touchTopic(groupID, threadID)
	return nil
}

// Pin implements Notifier.
func (t *Telegram) Pin(ctx context.Context, groupID, messageID int64) error {
	_, err := t.request(ctx, "pinChatMessage", tgbotapi.Params{
		"chat_id":              strconv.FormatInt(groupID, 10),
		"message_id":           strconv.FormatInt(messageID, 10),
		"disable_notification": "true",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return nil
}

// Archive implements Notifier by closing the forum topic.
func (t *Telegram) Archive(ctx context.Context, groupID, threadID int64) error {
	_, err := t.request(ctx, "closeForumTopic", tgbotapi.Params{
		"chat_id":           strconv.FormatInt(groupID, 10),
		"message_thread_id": strconv.FormatInt(threadID, 10),
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	if group := t.topics[groupID]; group != nil {
		if state := group[threadID]; state != nil {
			state.archived = true
		}
	}
	t.mu.Unlock()
	return nil
}

// OpenThreads implements Notifier. Persisted records seed the view so threads
// opened by earlier runs are visible; those carry no activity signal and thus
// sort stalest.
func (t *Telegram) OpenThreads(ctx context.Context, groupID int64) ([]ThreadInfo, error) {
	records, err := t.threads.ListThreadsByGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	group := t.topics[groupID]
	if group == nil {
		group = make(map[int64]*topicState)
		t.topics[groupID] = group
	}

	var infos []ThreadInfo
	for _, rec := range records {
		state := group[rec.ThreadID]
		if state == nil {
			state = &topicState{createdAt: rec.CreatedAt}
			group[rec.ThreadID] = state
		}
		if state.archived {
			continue
		}
		infos = append(infos, ThreadInfo{
			ID:           rec.ThreadID,
			EntryID:      rec.EntryID,
			CreatedAt:    rec.CreatedAt,
			LastActivity: state.lastActivity,
		})
	}
	return infos, nil
}

func (t *Telegram) trackTopic(groupID, threadID int64, createdAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	group := t.topics[groupID]
	if group == nil {
		group = make(map[int64]*topicState)
		t.topics[groupID] = group
	}
	group[threadID] = &topicState{createdAt: createdAt, lastActivity: createdAt}
}

func (t *Telegram) touchTopic(groupID, threadID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if group := t.topics[groupID]; group != nil {
		if state := group[threadID]; state != nil {
			state.lastActivity = time.Now().UTC()
		}
	}
}
