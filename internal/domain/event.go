package domain

import "time"

const (
	EventNameSessionCreated     = "session.created"
	EventNameSessionEnded       = "session.ended"
	EventNameAnswerRecorded     = "answer.recorded"
	EventNameQuestionClosed     = "question.closed"
	EventNameGameOver           = "game.over"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// Close triggers of a question.
const (
	TriggerDeadline    = "deadline"
	TriggerAllAnswered = "all_answered"
)

type EventSessionCreated struct {
	SessionCode string
}

func (EventSessionCreated) Name() string { return EventNameSessionCreated }

type EventSessionEnded struct {
	SessionCode string
	Reason      string
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventAnswerRecorded struct {
	SessionCode string
	Answer      Answer
}

func (EventAnswerRecorded) Name() string { return EventNameAnswerRecorded }

type EventQuestionClosed struct {
	SessionCode string
	Trigger     string
	Result      QuestionResult
}

func (EventQuestionClosed) Name() string { return EventNameQuestionClosed }

type EventGameOver struct {
	SessionCode    string
	TotalQuestions int
	StartedAt      time.Time
	EndedAt        time.Time
	Leaderboard    Leaderboard
}

func (EventGameOver) Name() string { return EventNameGameOver }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
