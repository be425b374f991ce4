package archive

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
)

func TestService_SaveGame(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	gameOver := domain.EventGameOver{
		SessionCode:    "ABC123",
		TotalQuestions: 3,
		StartedAt:      started,
		EndedAt:        started.Add(time.Minute),
		Leaderboard: domain.Leaderboard{
			SessionCode: "ABC123",
			Entries: []domain.LeaderboardEntry{
				{Name: "bob", Score: 2190, CorrectAnswers: 3},
				{Name: "alice", Score: 1110, CorrectAnswers: 2},
			},
		},
	}

	tests := map[string]struct {
		arrange func(db *fakeDB)
		assert  func(t *testing.T, db *fakeDB, id string, err error)
	}{
		"game and standings should be written in one transaction": {
			assert: func(t *testing.T, db *fakeDB, id string, err error) {
				require.NoError(t, err)
				assert.NotEmpty(t, id)

				require.Len(t, db.tx.execArgs, 1)
				assert.Equal(t, []any{"ABC123", 3, started, started.Add(time.Minute)}, db.tx.execArgs[0][1:])

				assert.Equal(t, pgx.Identifier{"game_results"}, db.tx.copyTable)
				require.Len(t, db.tx.copyRows, 2)
				assert.Equal(t, []any{1, "bob", int64(2190), 3}, db.tx.copyRows[0][1:])
				assert.Equal(t, []any{2, "alice", int64(1110), 2}, db.tx.copyRows[1][1:])

				assert.True(t, db.tx.committed)
				assert.False(t, db.tx.rolledBack)
			},
		},

		"failed insert should roll back": {
			arrange: func(db *fakeDB) {
				db.tx.copyErr = stderrors.New("connection reset")
			},
			assert: func(t *testing.T, db *fakeDB, id string, err error) {
				assert.ErrorContains(t, err, "insert results")
				assert.Empty(t, id)
				assert.False(t, db.tx.committed)
				assert.True(t, db.tx.rolledBack)
			},
		},

		"failed begin should not touch the transaction": {
			arrange: func(db *fakeDB) {
				db.beginErr = stderrors.New("pool closed")
			},
			assert: func(t *testing.T, db *fakeDB, id string, err error) {
				assert.ErrorContains(t, err, "begin transaction")
				assert.False(t, db.tx.rolledBack)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := &fakeDB{tx: &fakeTx{}}
			if tt.arrange != nil {
				tt.arrange(db)
			}

			s := NewService(Config{EventBus: event.NewBus(), DB: db})
			id, err := s.SaveGame(context.Background(), gameOver)
			tt.assert(t, db, id, err)
		})
	}
}

func TestService_ArchivesOnGameOver(t *testing.T) {
	t.Parallel()

	db := &fakeDB{tx: &fakeTx{}}
	eb := event.NewBus()
	NewService(Config{EventBus: eb, DB: db})

	eb.Publish(context.Background(), domain.EventGameOver{
		SessionCode: "ABC123",
		Leaderboard: domain.Leaderboard{Entries: []domain.LeaderboardEntry{{Name: "bob"}}},
	})
	eb.Stop()

	db.tx.mu.Lock()
	defer db.tx.mu.Unlock()
	assert.True(t, db.tx.committed)
	assert.Len(t, db.tx.copyRows, 1)
}

type fakeDB struct {
	tx       *fakeTx
	beginErr error
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return db.tx, nil
}

func (db *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (db *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, stderrors.New("not implemented")
}

// fakeTx implements the calls SaveGame makes; anything else panics on the nil embedded Tx.
type fakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	execArgs   [][]any
	copyTable  pgx.Identifier
	copyRows   [][]any
	copyErr    error
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.execArgs = append(tx.execArgs, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (tx *fakeTx) CopyFrom(_ context.Context, table pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.copyErr != nil {
		return 0, tx.copyErr
	}

	tx.copyTable = table
	for src.Next() {
		row, err := src.Values()
		if err != nil {
			return 0, err
		}
		tx.copyRows = append(tx.copyRows, row)
	}
	return int64(len(tx.copyRows)), src.Err()
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.rolledBack = true
	return nil
}
