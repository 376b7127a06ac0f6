package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type CommandKind int

const (
	CommandIdle CommandKind = iota
	CommandStart
)

func (k CommandKind) String() string {
	if k == CommandStart {
		return "start"
	}
	return "idle"
}

// Command is the controller's instruction. SessionID is positive for
// start commands and zero otherwise.
type Command struct {
	Kind      CommandKind
	SessionID int64
	// ExpiresAt is when the controller stops accepting the session; zero
	// when the controller did not say.
	ExpiresAt time.Time
}

func (c Command) IsStart() bool { return c.Kind == CommandStart }

type commandWire struct {
	Command   json.RawMessage `json:"command"`
	SessionID json.Number     `json:"session_id"`
	ExpiresAt string          `json:"expires_at"`
}

// DecodeCommand maps a command response body to a Command. An absent,
// unknown or non-string command is idle. A start without a positive
// integer session id returns an idle command together with a
// KindInvalidCommand error.
func DecodeCommand(body []byte) (Command, error) {
	var w commandWire
	if err := json.Unmarshal(body, &w); err != nil {
		return Command{}, &Error{Kind: KindDecode, Op: "poll", Err: err}
	}
	var name string
	if len(w.Command) == 0 || json.Unmarshal(w.Command, &name) != nil || name != "start" {
		return Command{Kind: CommandIdle}, nil
	}
	if w.SessionID == "" {
		return Command{Kind: CommandIdle}, &Error{Kind: KindInvalidCommand, Op: "poll", Err: errors.New("start without session_id")}
	}
	id, err := strconv.ParseInt(w.SessionID.String(), 10, 64)
	if err != nil {
		return Command{Kind: CommandIdle}, &Error{Kind: KindInvalidCommand, Op: "poll", Err: fmt.Errorf("session_id %q: %w", w.SessionID, err)}
	}
	if id <= 0 {
		return Command{Kind: CommandIdle}, &Error{Kind: KindInvalidCommand, Op: "poll", Err: fmt.Errorf("session_id %d is not positive", id)}
	}
	cmd := Command{Kind: CommandStart, SessionID: id}
	if w.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.ExpiresAt); err == nil {
			cmd.ExpiresAt = t
		}
	}
	return cmd, nil
}
