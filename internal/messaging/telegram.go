package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/log"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram delivers messages through the Telegram Bot API.
type Telegram struct {
	token  string
	base   string
	admins []int64
	http   *http.Client
	logger zerolog.Logger
}

// NewTelegram builds a sink for the given bot token. apiBase overrides the
// API endpoint for tests; empty means the public API. admins are the chat
// ids SendAdmins fans out to.
func NewTelegram(token, apiBase string, admins []int64) *Telegram {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Telegram{
		token:  token,
		base:   strings.TrimRight(apiBase, "/"),
		admins: admins,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: log.WithComponent("messaging.telegram"),
	}
}

// apiResponse is the envelope every Bot API call answers with.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// inlineKeyboard is the reply_markup payload for inline buttons.
type inlineKeyboard struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

// Send delivers msg to one chat and returns the provider message id.
// Recipient-level refusals (blocked bot, deleted account, unknown chat)
// come back as a DeliveryError; transport and API faults as plain errors.
func (t *Telegram) Send(ctx context.Context, userID int64, msg Message) (string, error) {
	method, payload, err := buildCall(userID, msg)
	if err != nil {
		return "", err
	}
	res, err := t.call(ctx, method, payload)
	if err != nil {
		return "", err
	}
	if !res.OK {
		cause := fmt.Errorf("messaging: telegram %s: %d %s", method, res.ErrorCode, res.Description)
		if recipientRefused(res) {
			return "", &DeliveryError{UserID: userID, Err: cause}
		}
		return "", cause
	}
	return strconv.FormatInt(res.Result.MessageID, 10), nil
}

// SendAdmins fans msg out to every configured operator. A refusal by one
// admin does not stop the rest; the combined failure is returned.
func (t *Telegram) SendAdmins(ctx context.Context, msg Message) error {
	var errs []error
	for _, id := range t.admins {
		if _, err := t.Send(ctx, id, msg); err != nil {
			t.logger.Warn().Err(err).Int64("admin_id", id).
				Str("event", "messaging.admin_send_failed").Msg("operator delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildCall maps the message onto a Bot API method and its JSON body.
func buildCall(userID int64, msg Message) (string, map[string]any, error) {
	payload := map[string]any{
		"chat_id":    userID,
		"parse_mode": string(msg.ParseMode),
	}
	if len(msg.Buttons) > 0 {
		payload["reply_markup"] = inlineKeyboard{InlineKeyboard: msg.Buttons}
	}

	var method string
	switch msg.MediaType {
	case MediaText, "":
		method = "sendMessage"
		payload["text"] = msg.Text
	case MediaPhoto:
		method = "sendPhoto"
		payload["photo"] = msg.MediaID
		payload["caption"] = msg.Text
	case MediaVideo:
		method = "sendVideo"
		payload["video"] = msg.MediaID
		payload["caption"] = msg.Text
	case MediaDocument:
		method = "sendDocument"
		payload["document"] = msg.MediaID
		payload["caption"] = msg.Text
	default:
		return "", nil, fmt.Errorf("messaging: unknown media_type %q", msg.MediaType)
	}
	return method, payload, nil
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.base, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("messaging: telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("messaging: telegram %s: decode response: %w", method, err)
	}
	return &res, nil
}

// recipientRefused tells a dead recipient apart from an API fault. 403
// covers blocked bots and deactivated accounts; "chat not found" is a
// user who never started the bot.
func recipientRefused(res *apiResponse) bool {
	if res.ErrorCode == http.StatusForbidden {
		return true
	}
	return res.ErrorCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(res.Description), "chat not found")
}
