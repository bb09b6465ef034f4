// Package protocol defines the JSON messages exchanged on the streaming
// ingest websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeTranscriptFragment MessageType = "transcript_fragment"
	TypeClientControl      MessageType = "client_control"
	TypeFragmentAck        MessageType = "fragment_ack"
	TypeFlushEvent         MessageType = "flush_event"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Client control actions.
const (
	ActionFlush = "flush"
	ActionPing  = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// TranscriptFragment carries one fragment from the capture client.
type TranscriptFragment struct {
	Type    MessageType `json:"type"`
	Seq     int         `json:"seq"`
	Text    string      `json:"text"`
	Speaker string      `json:"speaker,omitempty"`
	TSMs    int64       `json:"ts_ms,omitempty"`
}

// Timestamp returns the producer time, or nil when the client sent none.
func (m TranscriptFragment) Timestamp() *time.Time {
	if m.TSMs <= 0 {
		return nil
	}
	ts := time.UnixMilli(m.TSMs).UTC()
	return &ts
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type FragmentAck struct {
	Type          MessageType `json:"type"`
	Seq           int         `json:"seq"`
	SessionID     string      `json:"session_id"`
	Appended      bool        `json:"appended"`
	Flush         bool        `json:"flush"`
	Trigger       string      `json:"trigger,omitempty"`
	FragmentCount int         `json:"fragment_count"`
}

type FlushEvent struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Trigger     string      `json:"trigger"`
	Outcome     string      `json:"outcome"`
	Summarized  bool        `json:"summarized"`
	CarryOverID string      `json:"carry_over_id,omitempty"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Seq       int         `json:"seq,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTranscriptFragment:
		var msg TranscriptFragment
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Seq < 0 || msg.TSMs < 0 {
			return nil, errors.New("invalid transcript_fragment")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.Action != ActionFlush && msg.Action != ActionPing {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
