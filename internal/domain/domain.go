package domain

import (
	"time"
)

// State is the phase of a quiz session.
type State string

const (
	StateLobby           State = "lobby"
	StateQuestionActive  State = "question_active"
	StateQuestionResults State = "question_results"
	StateGameOver        State = "game_over"
)

// Question is a single-choice question. It is never modified after loading.
type Question struct {
	Text         string
	Answers      []string
	CorrectIndex int
}

func (q Question) IsCorrect(i int) bool { return i == q.CorrectIndex }

// Player is a participant identified by name. ConnID is empty while disconnected.
type Player struct {
	Name      string
	ConnID    string
	Connected bool
	Score     int64
	Answers   map[int]Answer
	// JoinOrder breaks leaderboard ties, lower joined first.
	JoinOrder int
}

// ReplayScore sums the points of every recorded answer.
func (p *Player) ReplayScore() int64 {
	var total int64
	for _, a := range p.Answers {
		total += a.Points
	}
	return total
}

func (p *Player) CorrectAnswers() int {
	var n int
	for _, a := range p.Answers {
		if a.IsCorrect {
			n++
		}
	}
	return n
}

// Answer records what a player did for one question.
// ChosenIndex is nil when the player did not answer before the question closed.
type Answer struct {
	PlayerName    string
	QuestionIndex int
	ChosenIndex   *int
	IsCorrect     bool
	Points        int64
	TimeTaken     time.Duration
}

func (a Answer) Answered() bool { return a.ChosenIndex != nil }

// Leaderboard represents players of a session and their scores.
// The list is sorted by score in descending order, ties by join order.
type Leaderboard struct {
	SessionCode string             `json:"session_code"`
	Entries     []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	Name           string `json:"name"`
	Score          int64  `json:"score"`
	CorrectAnswers int    `json:"correct_answers"`
	Connected      bool   `json:"connected"`
}

// QuestionResult is the outcome of one question once it is closed.
type QuestionResult struct {
	QuestionIndex int
	CorrectIndex  int
	Answers       []Answer
	Leaderboard   Leaderboard
}

// SessionSummary is a point-in-time description of a session for listings.
type SessionSummary struct {
	Code           string    `json:"code"`
	State          State     `json:"state"`
	Players        int       `json:"players"`
	Connected      int       `json:"connected"`
	HostConnected  bool      `json:"host_connected"`
	QuestionIndex  int       `json:"question_index"`
	TotalQuestions int       `json:"total_questions"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
}
