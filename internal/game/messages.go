package game

import (
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

// Outbound event names.
const (
	EventSessionCreated  = "session_created"
	EventSessionEnded    = "session_ended"
	EventJoinedSession   = "joined_session"
	EventHostReconnected = "host_reconnected"
	EventPlayerJoined    = "player_joined"
	EventPlayerLeft      = "player_left"
	EventGameStarted     = "game_started"
	EventNewQuestion     = "new_question"
	EventTimerUpdate     = "timer_update"
	EventAnswerSubmitted = "answer_submitted"
	EventPlayerAnswered  = "player_answered"
	EventTimeUp          = "time_up"
	EventQuestionResults = "question_results"
	EventGameOver        = "game_over"
	EventError           = "error"
)

// Envelope is an outbound message addressed to a set of connections.
type Envelope struct {
	To    []string
	Event string
	Data  any
}

// Sink receives envelopes produced outside of an inbound call, i.e. by timers.
// Deliver must not block.
type Sink interface {
	Deliver(envs []Envelope)
}

type SinkFunc func(envs []Envelope)

func (f SinkFunc) Deliver(envs []Envelope) { f(envs) }

type (
	SessionCreated struct {
		Code           string `json:"code"`
		HostToken      string `json:"host_token"`
		TotalQuestions int    `json:"total_questions"`
	}

	SessionEnded struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	}

	JoinedSession struct {
		Code             string           `json:"code"`
		PlayerName       string           `json:"player_name"`
		Reconnected      bool             `json:"reconnected"`
		IsHost           bool             `json:"is_host"`
		State            domain.State     `json:"state"`
		Score            int64            `json:"score"`
		TotalQuestions   int              `json:"total_questions"`
		CurrentQuestion  *QuestionView    `json:"current_question,omitempty"`
		AlreadyAnswered  bool             `json:"already_answered"`
		RemainingSeconds *int             `json:"remaining_seconds,omitempty"`
		Leaderboard      []LeaderboardRow `json:"leaderboard,omitempty"`
	}

	// HostReconnected is the snapshot a host that does not play gets back.
	HostReconnected struct {
		Code             string           `json:"code"`
		State            domain.State     `json:"state"`
		TotalQuestions   int              `json:"total_questions"`
		TotalPlayers     int              `json:"total_players"`
		Connected        int              `json:"connected_players"`
		CurrentQuestion  *QuestionView    `json:"current_question,omitempty"`
		RemainingSeconds *int             `json:"remaining_seconds,omitempty"`
		Leaderboard      []LeaderboardRow `json:"leaderboard,omitempty"`
	}

	PlayerJoined struct {
		PlayerName   string `json:"player_name"`
		TotalPlayers int    `json:"total_players"`
	}

	PlayerLeft struct {
		PlayerName string `json:"player_name"`
		Connected  int    `json:"connected_players"`
	}

	GameStarted struct {
		TotalQuestions int `json:"total_questions"`
	}

	// QuestionView is what players see of a question. The correct index is never included.
	QuestionView struct {
		QuestionIndex   int      `json:"question_index"`
		QuestionNumber  int      `json:"question_number"`
		TotalQuestions  int      `json:"total_questions"`
		Text            string   `json:"question"`
		Answers         []string `json:"answers"`
		TimeLimit       int      `json:"time_limit"`
		AlreadyAnswered bool     `json:"already_answered"`
	}

	TimerUpdate struct {
		QuestionIndex    int `json:"question_index"`
		RemainingSeconds int `json:"remaining_seconds"`
	}

	AnswerSubmitted struct {
		QuestionIndex int   `json:"question_index"`
		IsCorrect     bool  `json:"is_correct"`
		Points        int64 `json:"points"`
		Score         int64 `json:"score"`
	}

	PlayerAnswered struct {
		PlayerName    string `json:"player_name"`
		QuestionIndex int    `json:"question_index"`
		Answered      int    `json:"answered"`
		Players       int    `json:"players"`
	}

	TimeUp struct {
		QuestionIndex int `json:"question_index"`
	}

	QuestionResults struct {
		QuestionIndex int              `json:"question_index"`
		CorrectIndex  int              `json:"correct_index"`
		Results       []PlayerResult   `json:"results"`
		Leaderboard   []LeaderboardRow `json:"leaderboard"`
	}

	PlayerResult struct {
		PlayerName  string  `json:"player_name"`
		AnswerIndex *int    `json:"answer_index"`
		IsCorrect   bool    `json:"is_correct"`
		TimeTaken   float64 `json:"time_taken"`
		Points      int64   `json:"points"`
	}

	GameOver struct {
		Leaderboard []LeaderboardRow `json:"leaderboard"`
	}

	LeaderboardRow struct {
		Rank           int    `json:"rank"`
		Name           string `json:"name"`
		Score          int64  `json:"score"`
		CorrectAnswers int    `json:"correct_answers"`
		Connected      bool   `json:"connected"`
	}

	Error struct {
		Code    errors.Code `json:"code"`
		Message string      `json:"message"`
	}
)

// ErrorEnvelope converts err into an error event for a single connection.
func ErrorEnvelope(connID string, err error) Envelope {
	e := errors.Convert(err)
	return Envelope{
		To:    []string{connID},
		Event: EventError,
		Data:  Error{Code: e.Code, Message: e.Message},
	}
}

// LeaderboardRows ranks the entries of l starting at 1.
func LeaderboardRows(l domain.Leaderboard) []LeaderboardRow {
	rows := make([]LeaderboardRow, 0, len(l.Entries))
	for i, e := range l.Entries {
		rows = append(rows, LeaderboardRow{
			Rank:           i + 1,
			Name:           e.Name,
			Score:          e.Score,
			CorrectAnswers: e.CorrectAnswers,
			Connected:      e.Connected,
		})
	}
	return rows
}

func resultRows(r domain.QuestionResult) []PlayerResult {
	rows := make([]PlayerResult, 0, len(r.Answers))
	for _, a := range r.Answers {
		rows = append(rows, PlayerResult{
			PlayerName:  a.PlayerName,
			AnswerIndex: a.ChosenIndex,
			IsCorrect:   a.IsCorrect,
			TimeTaken:   a.TimeTaken.Seconds(),
			Points:      a.Points,
		})
	}
	return rows
}
