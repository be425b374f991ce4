package questions_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/questions"
)

func TestLoad(t *testing.T) {
	tests := map[string]struct {
		file    string
		content string
		assert  func(t *testing.T, qs []domain.Question, err error)
	}{
		"json file should be loaded": {
			file: "questions.json",
			content: `{"questions": [
				{"question": "2 + 2?", "answers": ["3", "4"], "correct_answer": 1},
				{"question": "Sky color?", "answers": ["red", "green", "blue"], "correct_answer": 2}
			]}`,
			assert: func(t *testing.T, qs []domain.Question, err error) {
				require.NoError(t, err)
				assert.Equal(t, []domain.Question{
					{Text: "2 + 2?", Answers: []string{"3", "4"}, CorrectIndex: 1},
					{Text: "Sky color?", Answers: []string{"red", "green", "blue"}, CorrectIndex: 2},
				}, qs)
			},
		},

		"yaml file should be loaded": {
			file: "questions.yaml",
			content: `
questions:
  - question: "2 + 2?"
    answers: ["3", "4"]
    correct_answer: 1
`,
			assert: func(t *testing.T, qs []domain.Question, err error) {
				require.NoError(t, err)
				assert.Equal(t, []domain.Question{
					{Text: "2 + 2?", Answers: []string{"3", "4"}, CorrectIndex: 1},
				}, qs)
			},
		},

		"malformed json should fail": {
			file:    "questions.json",
			content: `{"questions": [`,
			assert: func(t *testing.T, qs []domain.Question, err error) {
				assert.Error(t, err)
			},
		},

		"correct answer out of range should fail": {
			file:    "questions.json",
			content: `{"questions": [{"question": "q", "answers": ["a", "b"], "correct_answer": 2}]}`,
			assert: func(t *testing.T, qs []domain.Question, err error) {
				assert.ErrorContains(t, err, "out of range")
			},
		},

		"too many answers should fail": {
			file:    "questions.yml",
			content: "questions:\n  - question: q\n    answers: [a, b, c, d, e]\n    correct_answer: 0\n",
			assert: func(t *testing.T, qs []domain.Question, err error) {
				assert.ErrorContains(t, err, "5 answers")
			},
		},

		"empty set should fail": {
			file:    "questions.json",
			content: `{"questions": []}`,
			assert: func(t *testing.T, qs []domain.Question, err error) {
				assert.ErrorContains(t, err, "no questions")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			qs, err := questions.Load(path)
			tt.assert(t, qs, err)
		})
	}
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	t.Parallel()

	qs, err := questions.Load("")
	require.NoError(t, err)
	assert.Equal(t, questions.Default(), qs)
	assert.NoError(t, questions.Validate(qs))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := questions.Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		q       domain.Question
		wantErr string
	}{
		"valid":        {q: domain.Question{Text: "q", Answers: []string{"a", "b"}}},
		"empty text":   {q: domain.Question{Answers: []string{"a", "b"}}, wantErr: "empty text"},
		"one answer":   {q: domain.Question{Text: "q", Answers: []string{"a"}}, wantErr: "1 answers"},
		"blank answer": {q: domain.Question{Text: "q", Answers: []string{"a", " "}}, wantErr: "answer 1 is empty"},
		"negative":     {q: domain.Question{Text: "q", Answers: []string{"a", "b"}, CorrectIndex: -1}, wantErr: "out of range"},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			err := questions.Validate([]domain.Question{tt.q})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
