// Package onebot speaks the OneBot v11 websocket protocol: it sends actions,
// turns inbound events into chat events, and routes echoed responses back to
// the moderation core.
package onebot

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/basket/go-warden/internal/chat"
)

// Echo prefixes distinguish correlated requests from fire-and-forget actions.
const (
	echoCorrelated = "corr:"
	echoAction     = "act:"
)

// Action names used by the client.
const (
	actionSendGroupMsg       = "send_group_msg"
	actionSendPrivateMsg     = "send_private_msg"
	actionDeleteMsg          = "delete_msg"
	actionSetGroupBan        = "set_group_ban"
	actionSetGroupKick       = "set_group_kick"
	actionGetGroupMsgHistory = "get_group_msg_history"
	actionGetMsg             = "get_msg"
	actionGetForwardMsg      = "get_forward_msg"
)

// frame is an outbound action request.
type frame struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// apiResponse is the reply to a frame.
type apiResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Wording string          `json:"wording"`
}

func (r apiResponse) ok() bool { return r.Status == "ok" && r.Retcode == 0 }

func (r apiResponse) errorText() string {
	for _, s := range []string{r.Wording, r.Message, r.Msg} {
		if s != "" {
			return s
		}
	}
	return r.Status
}

// flexString accepts a JSON string or number. Implementations disagree on
// whether ids are numeric. Any other JSON value decodes to "".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		*f = flexString(b)
	default:
		*f = ""
	}
	return nil
}

type sender struct {
	UserID flexString `json:"user_id"`
	Role   string     `json:"role"`
}

// inbound is the union of the event fields the client reads.
type inbound struct {
	PostType    string     `json:"post_type"`
	MessageType string     `json:"message_type"`
	NoticeType  string     `json:"notice_type"`
	SubType     string     `json:"sub_type"`
	SelfID      flexString `json:"self_id"`
	MessageID   flexString `json:"message_id"`
	GroupID     flexString `json:"group_id"`
	UserID      flexString `json:"user_id"`
	RawMessage  string     `json:"raw_message"`
	Message     message    `json:"message"`
	Sender      sender     `json:"sender"`

	// Present only on API responses.
	Echo   *string `json:"echo"`
	Status string  `json:"status"`
}

type segment struct {
	Type string                `json:"type"`
	Data map[string]flexString `json:"data"`
}

// message decodes both the array and the CQ-string message formats.
type message []segment

func (m *message) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = parseCQ(s)
		return nil
	}
	var segs []segment
	if err := json.Unmarshal(b, &segs); err != nil {
		return err
	}
	*m = segs
	return nil
}

// text joins the text segments.
func (m message) text() string {
	var b strings.Builder
	for _, s := range m {
		if s.Type == "text" {
			b.WriteString(string(s.Data["text"]))
		}
	}
	return b.String()
}

// first returns the data of the first segment of type typ.
func (m message) first(typ string) (map[string]flexString, bool) {
	for _, s := range m {
		if s.Type == typ {
			return s.Data, true
		}
	}
	return nil, false
}

var cqCode = regexp.MustCompile(`\[CQ:([A-Za-z_]+)((?:,[^\]]*)?)\]`)

// parseCQ splits a CQ-code string into segments.
func parseCQ(s string) message {
	var out message
	last := 0
	for _, loc := range cqCode.FindAllStringSubmatchIndex(s, -1) {
		if loc[0] > last {
			out = append(out, textSegment(unescapeCQ(s[last:loc[0]])))
		}
		seg := segment{Type: s[loc[2]:loc[3]], Data: map[string]flexString{}}
		for _, kv := range strings.Split(strings.TrimPrefix(s[loc[4]:loc[5]], ","), ",") {
			k, v, ok := strings.Cut(kv, "=")
			if ok {
				seg.Data[k] = flexString(unescapeCQ(v))
			}
		}
		out = append(out, seg)
		last = loc[1]
	}
	if last < len(s) {
		out = append(out, textSegment(unescapeCQ(s[last:])))
	}
	return out
}

var cqUnescaper = strings.NewReplacer("&#44;", ",", "&#91;", "[", "&#93;", "]", "&amp;", "&")

func unescapeCQ(s string) string { return cqUnescaper.Replace(s) }

func textSegment(s string) segment {
	return segment{Type: "text", Data: map[string]flexString{"text": flexString(s)}}
}

// outboundSegment is the array form sent in send_*_msg.
type outboundSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

func encodeSegments(segs []chat.Segment) []outboundSegment {
	out := make([]outboundSegment, 0, len(segs))
	for _, s := range segs {
		switch s.Type {
		case chat.SegmentText:
			out = append(out, outboundSegment{Type: "text", Data: map[string]string{"text": s.Value}})
		case chat.SegmentAt:
			out = append(out, outboundSegment{Type: "at", Data: map[string]string{"qq": s.Value}})
		case chat.SegmentReply:
			out = append(out, outboundSegment{Type: "reply", Data: map[string]string{"id": s.Value}})
		}
	}
	return out
}

// numericID sends decimal ids as numbers and anything else verbatim.
func numericID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
