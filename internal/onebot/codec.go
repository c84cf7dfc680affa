package onebot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-warden/internal/chat"
)

// ErrMalformed marks a frame or payload that could not be decoded.
var ErrMalformed = errors.New("onebot: malformed payload")

// Codec converts between OneBot payloads and chat types. The zero value is
// ready to use.
type Codec struct{}

// frameKind classifies one inbound frame.
type frameKind int

const (
	frameUnknown frameKind = iota
	frameEvent
	frameResponse
)

// decodeFrame reads a raw frame into its event or response form.
func decodeFrame(raw []byte) (frameKind, inbound, apiResponse, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return frameUnknown, in, apiResponse{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.PostType != "" {
		return frameEvent, in, apiResponse{}, nil
	}
	if in.Echo != nil || in.Status != "" {
		var resp apiResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return frameUnknown, in, resp, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return frameResponse, in, resp, nil
	}
	return frameUnknown, in, apiResponse{}, nil
}

// Event converts an inbound event. ok is false for events the core does not
// consume (meta events, the bot's own messages, other notices).
func (Codec) Event(in inbound) (ev chat.Event, ok bool) {
	switch in.PostType {
	case "message":
		return messageEvent(in)
	case "notice":
		if in.NoticeType != "group_decrease" || in.SubType == "kick_me" {
			return nil, false
		}
		if in.GroupID == "" || in.UserID == "" {
			return nil, false
		}
		return chat.MemberLeft{Scope: chat.Scope(in.GroupID), User: chat.UserID(in.UserID)}, true
	default:
		return nil, false
	}
}

func messageEvent(in inbound) (chat.Event, bool) {
	if in.UserID == "" || (in.SelfID != "" && in.UserID == in.SelfID) {
		return nil, false
	}
	var scope chat.Scope
	switch in.MessageType {
	case "group":
		if in.GroupID == "" {
			return nil, false
		}
		scope = chat.Scope(in.GroupID)
	case "private":
	default:
		return nil, false
	}

	msg := in.Message
	if len(msg) == 0 && in.RawMessage != "" {
		msg = parseCQ(in.RawMessage)
	}
	role := chat.Role(in.Sender.Role)
	if role == "" {
		role = chat.RoleMember
	}

	if fw, found := msg.first("forward"); found && scope != "" {
		return chat.ForwardedMessageContainer{
			Scope:        scope,
			User:         chat.UserID(in.UserID),
			Role:         role,
			MessageRef:   chat.MessageRef(in.MessageID),
			ContainerRef: string(fw["id"]),
		}, true
	}

	m := chat.TextMessage{
		Scope:      scope,
		User:       chat.UserID(in.UserID),
		Role:       role,
		MessageRef: chat.MessageRef(in.MessageID),
		Text:       msg.text(),
	}
	if r, found := msg.first("reply"); found {
		m.ReplyTo = chat.MessageRef(r["id"])
	}
	return m, true
}

// Response converts an API response whose echo carries a correlation token.
// ok is false for any other echo.
func (Codec) Response(resp apiResponse) (chat.Response, bool) {
	token, found := strings.CutPrefix(resp.Echo, echoCorrelated)
	if !found || token == "" {
		return chat.Response{}, false
	}
	out := chat.Response{
		CorrelationRef: token,
		OK:             resp.ok(),
		Retcode:        resp.Retcode,
		Data:           resp.Data,
	}
	if !out.OK {
		out.Message = resp.errorText()
	}
	return out, true
}

type historyData struct {
	Messages []struct {
		MessageID flexString `json:"message_id"`
		UserID    flexString `json:"user_id"`
		Sender    sender     `json:"sender"`
	} `json:"messages"`
}

// DecodeHistory reads a get_group_msg_history result.
func (Codec) DecodeHistory(resp chat.Response) (chat.HistoryBatchResponse, error) {
	var d historyData
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return chat.HistoryBatchResponse{}, fmt.Errorf("%w: history: %v", ErrMalformed, err)
	}
	out := chat.HistoryBatchResponse{CorrelationRef: resp.CorrelationRef}
	for _, m := range d.Messages {
		author := m.Sender.UserID
		if author == "" {
			author = m.UserID
		}
		if m.MessageID == "" {
			continue
		}
		out.Messages = append(out.Messages, chat.HistoryEntry{
			Author:     chat.UserID(author),
			MessageRef: chat.MessageRef(m.MessageID),
		})
	}
	return out, nil
}

type storedMessage struct {
	RawMessage string  `json:"raw_message"`
	Message    message `json:"message"`
	Content    message `json:"content"`
}

// text prefers the raw form, which keeps every line of a notice intact.
func (s storedMessage) text() string {
	if s.RawMessage != "" {
		return parseCQ(s.RawMessage).text()
	}
	if len(s.Message) > 0 {
		return s.Message.text()
	}
	return s.Content.text()
}

// DecodeReferenced reads a get_msg result.
func (Codec) DecodeReferenced(resp chat.Response) (chat.ReferencedMessageResponse, error) {
	var d storedMessage
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return chat.ReferencedMessageResponse{}, fmt.Errorf("%w: get_msg: %v", ErrMalformed, err)
	}
	return chat.ReferencedMessageResponse{CorrelationRef: resp.CorrelationRef, Text: d.text()}, nil
}

// DecodeForward reads a get_forward_msg result. Implementations name the
// node list either messages or message.
func (Codec) DecodeForward(resp chat.Response) (chat.ForwardExpansionResponse, error) {
	var d struct {
		Messages []storedMessage `json:"messages"`
		Message  []storedMessage `json:"message"`
	}
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return chat.ForwardExpansionResponse{}, fmt.Errorf("%w: get_forward_msg: %v", ErrMalformed, err)
	}
	nodes := d.Messages
	if len(nodes) == 0 {
		nodes = d.Message
	}
	out := chat.ForwardExpansionResponse{CorrelationRef: resp.CorrelationRef}
	for _, n := range nodes {
		if t := n.text(); t != "" {
			out.Texts = append(out.Texts, t)
		}
	}
	return out, nil
}
