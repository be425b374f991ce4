package api

import (
	"encoding/json"
	"strings"

	"github.com/victornm/livequiz/internal/errors"
)

// Inbound event names.
const (
	CmdCreateSession = "create_session"
	CmdJoinSession   = "join_session"
	CmdStartGame     = "start_game"
	CmdSubmitAnswer  = "submit_answer"
	CmdEndSession    = "end_session"
	CmdReclaimHost   = "reclaim_host"
)

// Frame is the JSON shape of every WebSocket message, in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type (
	CreateSession struct{}

	JoinSession struct {
		Code       string `json:"code"`
		PlayerName string `json:"player_name"`
	}

	StartGame struct {
		Code string `json:"code"`
	}

	SubmitAnswer struct {
		Code          string `json:"code"`
		PlayerName    string `json:"player_name"`
		QuestionIndex *int   `json:"question_index"`
		AnswerIndex   *int   `json:"answer_index"`
	}

	EndSession struct {
		Code string `json:"code"`
	}

	ReclaimHost struct {
		Code      string `json:"code"`
		HostToken string `json:"host_token"`
	}
)

// decode turns a raw frame into one of the typed commands above.
func decode(raw []byte) (any, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, invalid("malformed frame: %v", err)
	}

	var (
		cmd  any
		data = f.Data
	)
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	switch f.Event {
	case CmdCreateSession:
		cmd = CreateSession{}

	case CmdJoinSession:
		var c JoinSession
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid("malformed %s: %v", f.Event, err)
		}
		c.Code = normalizeCode(c.Code)
		if c.Code == "" {
			return nil, invalid("missing code")
		}
		cmd = c

	case CmdStartGame:
		var c StartGame
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid("malformed %s: %v", f.Event, err)
		}
		c.Code = normalizeCode(c.Code)
		if c.Code == "" {
			return nil, invalid("missing code")
		}
		cmd = c

	case CmdSubmitAnswer:
		var c SubmitAnswer
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid("malformed %s: %v", f.Event, err)
		}
		c.Code = normalizeCode(c.Code)
		switch {
		case c.Code == "":
			return nil, invalid("missing code")
		case c.QuestionIndex == nil:
			return nil, invalid("missing question_index")
		case c.AnswerIndex == nil:
			return nil, invalid("missing answer_index")
		}
		cmd = c

	case CmdEndSession:
		var c EndSession
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid("malformed %s: %v", f.Event, err)
		}
		c.Code = normalizeCode(c.Code)
		if c.Code == "" {
			return nil, invalid("missing code")
		}
		cmd = c

	case CmdReclaimHost:
		var c ReclaimHost
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid("malformed %s: %v", f.Event, err)
		}
		c.Code = normalizeCode(c.Code)
		switch {
		case c.Code == "":
			return nil, invalid("missing code")
		case c.HostToken == "":
			return nil, invalid("missing host_token")
		}
		cmd = c

	default:
		return nil, invalid("unknown event %q", f.Event)
	}

	return cmd, nil
}

// normalizeCode accepts codes typed in lower case or with surrounding blanks.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func invalid(format string, args ...any) error {
	return errors.New(errors.CodeInvalidArgument, errors.WithMessagef(format, args...))
}
