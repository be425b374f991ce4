// Package archive stores the final standings of finished games in Postgres.
// Nothing is ever read back into a live session.
package archive

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
)

// DB is the subset of *pgxpool.Pool the archive uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Config struct {
	EventBus *event.Bus
	DB       DB
}

type Service struct {
	eb *event.Bus
	db DB
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNameGameOver, func(ctx context.Context, e event.Event) error {
		_, err := s.SaveGame(ctx, e.(domain.EventGameOver))
		return err
	})

	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS games (
	game_id         UUID PRIMARY KEY,
	session_code    TEXT        NOT NULL,
	total_questions INT         NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS games_session_code_idx ON games (session_code, ended_at DESC);
CREATE TABLE IF NOT EXISTS game_results (
	game_id         UUID   NOT NULL REFERENCES games (game_id) ON DELETE CASCADE,
	rank            INT    NOT NULL,
	player_name     TEXT   NOT NULL,
	score           BIGINT NOT NULL,
	correct_answers INT    NOT NULL,
	PRIMARY KEY (game_id, player_name)
);`

// Migrate creates the archive tables when they do not exist.
func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

// Result is the final standing of one player in one archived game.
type Result struct {
	GameID         string    `json:"game_id"`
	EndedAt        time.Time `json:"ended_at"`
	Rank           int       `json:"rank"`
	PlayerName     string    `json:"player_name"`
	Score          int64     `json:"score"`
	CorrectAnswers int       `json:"correct_answers"`
}

// SaveGame archives a finished game and returns its ID.
func (s *Service) SaveGame(ctx context.Context, e domain.EventGameOver) (_ string, err error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate game ID: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const insGameStmt = `INSERT INTO games (game_id, session_code, total_questions, started_at, ended_at) VALUES ($1, $2, $3, $4, $5);`

	_, err = tx.Exec(ctx, insGameStmt, id, e.SessionCode, e.TotalQuestions, e.StartedAt, e.EndedAt)
	if err != nil {
		return "", fmt.Errorf("insert game: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"game_results"},
		[]string{"game_id", "rank", "player_name", "score", "correct_answers"},
		pgx.CopyFromRows(resultRows(id, e.Leaderboard)),
	)
	if err != nil {
		return "", fmt.Errorf("insert results: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	slog.InfoContext(ctx, "archive: game saved", "session", e.SessionCode, "game", id, "players", len(e.Leaderboard.Entries))
	return id.String(), nil
}

func resultRows(id uuid.UUID, l domain.Leaderboard) [][]any {
	rows := make([][]any, 0, len(l.Entries))
	for i, e := range l.Entries {
		rows = append(rows, []any{id, i + 1, e.Name, e.Score, e.CorrectAnswers})
	}
	return rows
}

// ListResults returns the standings of every archived game played under code,
// latest game first.
func (s *Service) ListResults(ctx context.Context, code string) ([]Result, error) {
	const stmt = `
SELECT g.game_id, g.ended_at, r.rank, r.player_name, r.score, r.correct_answers
FROM game_results r
JOIN games g ON g.game_id = r.game_id
WHERE g.session_code = $1
ORDER BY g.ended_at DESC, r.rank ASC;`

	rows, err := s.db.Query(ctx, stmt, code)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Result, error) {
		var (
			res Result
			id  uuid.UUID
		)
		if err := r.Scan(&id, &res.EndedAt, &res.Rank, &res.PlayerName, &res.Score, &res.CorrectAnswers); err != nil {
			return Result{}, err
		}
		res.GameID = id.String()
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	if len(results) == 0 {
		return nil, errors.New(errors.CodeSessionNotFound,
			errors.WithMessagef("no archived games: session=%s", code))
	}

	return results, nil
}
