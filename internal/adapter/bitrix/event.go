package bitrix

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/pscheid92/chatbridge/internal/domain"
)

// ErrInvalidEvent is returned for event payloads that cannot be decoded.
var ErrInvalidEvent = errors.New("invalid portal event")

// ParseEvent decodes a portal event delivered as JSON or as a form with
// bracketed keys (data[PARAMS][MESSAGE]=...). Field names drift between
// portal versions, so each value is looked up along a list of known paths.
// now anchors the expiry of an auth block that only carries expires_in.
func ParseEvent(contentType string, body []byte, now time.Time) (*domain.PortalEvent, error) {
	payload, err := decodePayload(contentType, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	p := eventPayload(payload)
	eventType := strings.ToUpper(strings.TrimSpace(coalesce(
		p.str("event"), p.str("EVENT"), p.str("type"),
	)))
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	}

	ev := &domain.PortalEvent{
		Type:             eventType,
		ApplicationToken: p.str("auth", "application_token"),
		Message: coalesce(
			p.str("data", "PARAMS", "MESSAGE"),
			p.str("data", "params", "message"),
			p.str("data", "MESSAGE"),
			p.str("data", "message"),
		),
		DialogID:   p.dialogID(),
		AuthorName: coalesce(p.str("data", "USER", "NAME"), p.str("data", "PARAMS", "AUTHOR_NAME")),
		BotID:      p.botID(),
		TaskID: firstID(
			p.get("data", "FIELDS_AFTER", "TASK_ID"),
			p.get("data", "TASK_ID"),
		),
		CommentID: firstID(
			p.get("data", "FIELDS_AFTER", "ID"),
			p.get("data", "ID"),
		),
	}

	if access := p.str("auth", "access_token"); access != "" {
		ev.Auth = &domain.Token{
			AccessToken:    access,
			RefreshToken:   p.str("auth", "refresh_token"),
			Domain:         p.str("auth", "domain"),
			MemberID:       p.str("auth", "member_id"),
			ClientEndpoint: p.str("auth", "client_endpoint"),
			Scope:          p.str("auth", "scope"),
		}
		if expiresIn := int64Value(p.get("auth", "expires_in")); expiresIn > 0 {
			ev.Auth.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
		}
	}

	return ev, nil
}

func decodePayload(contentType string, body []byte) (map[string]any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	isJSON := mediaType == "application/json" || (mediaType == "" && body[0] == '{')
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("malformed JSON: %w", err)
		}
		return m, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("malformed form body: %w", err)
	}
	return nestForm(values), nil
}

// nestForm turns bracketed form keys into nested maps:
// "data[PARAMS][MESSAGE]" becomes m["data"]["PARAMS"]["MESSAGE"].
func nestForm(values url.Values) map[string]any {
	root := make(map[string]any)
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		path := splitFormKey(key)
		node := root
		for i, part := range path {
			if i == len(path)-1 {
				node[part] = vals[0]
				break
			}
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
	}
	return root
}

func splitFormKey(key string) []string {
	open := strings.IndexByte(key, '[')
	if open <= 0 {
		return []string{key}
	}

	parts := []string{key[:open]}
	rest := key[open:]
	for len(rest) > 0 && rest[0] == '[' {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		parts = append(parts, rest[1:end])
		rest = rest[end+1:]
	}
	return parts
}

type eventPayload map[string]any

func (p eventPayload) get(path ...string) any {
	var cur any = map[string]any(p)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

func (p eventPayload) str(path ...string) string {
	return strings.TrimSpace(stringValue(p.get(path...)))
}

func (p eventPayload) dialogID() string {
	if id := p.str("data", "PARAMS", "DIALOG_ID"); id != "" {
		return id
	}
	if chatID := p.str("data", "PARAMS", "TO_CHAT_ID"); chatID != "" && chatID != "0" {
		return "chat" + chatID
	}
	return coalesce(p.str("data", "PARAMS", "FROM_USER_ID"), p.str("data", "DIALOG_ID"))
}

// botID reads data[BOT][<id>][BOT_ID], falling back to data[BOT_ID].
func (p eventPayload) botID() int64 {
	if bots, ok := p.get("data", "BOT").(map[string]any); ok {
		for key, entry := range bots {
			if m, ok := entry.(map[string]any); ok {
				if id := int64Value(m["BOT_ID"]); id != 0 {
					return id
				}
			}
			if id := int64Value(key); id != 0 {
				return id
			}
		}
	}
	return int64Value(p.get("data", "BOT_ID"))
}

func firstID(values ...any) int64 {
	for _, v := range values {
		if id := int64Value(v); id != 0 {
			return id
		}
	}
	return 0
}
