package events

import (
	"github.com/ashureev/hearthly/internal/session"
)

// Message types sent to clients.
const (
	TypeSnapshot = "snapshot"
	TypeError    = "error"
	TypePong     = "pong"
)

// Command types accepted from clients.
const (
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdText   = "text"
	CmdFinish = "finish"
	CmdCancel = "cancel"
	CmdEnd    = "end"
	CmdPing   = "ping"
)

// Message is a server-to-client frame.
type Message struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Error    string            `json:"error,omitempty"`
	Upgrade  bool              `json:"upgrade,omitempty"`
	Command  string            `json:"command,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type             string `json:"type"`
	Mode             string `json:"mode,omitempty"`
	MicrophoneDenied bool   `json:"microphone_denied,omitempty"`
	Audio            string `json:"audio,omitempty"` // base64
	Text             string `json:"text,omitempty"`
	Summary          string `json:"summary,omitempty"`
}

func snapshotMessage(snap session.Snapshot) Message {
	return Message{Type: TypeSnapshot, Snapshot: &snap}
}

func errorMessage(cmd string, err error) Message {
	code := session.ErrorCode(err)
	return Message{
		Type:    TypeError,
		Error:   code,
		Upgrade: code == session.CodeQuotaExhausted,
		Command: cmd,
	}
}
