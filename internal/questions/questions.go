// Package questions loads the question set quiz sessions are played with.
package questions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/victornm/livequiz/internal/domain"
)

const (
	MinAnswers = 2
	MaxAnswers = 4
)

type file struct {
	Questions []question `json:"questions" yaml:"questions"`
}

type question struct {
	Question      string   `json:"question" yaml:"question"`
	Answers       []string `json:"answers" yaml:"answers"`
	CorrectAnswer int      `json:"correct_answer" yaml:"correct_answer"`
}

// Load reads a question set from path. Files ending in .yaml or .yml are YAML,
// anything else is JSON. An empty path returns Default.
func Load(path string) ([]domain.Question, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}

	var f file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode questions %s: %w", path, err)
	}

	qs := make([]domain.Question, 0, len(f.Questions))
	for _, q := range f.Questions {
		qs = append(qs, domain.Question{
			Text:         strings.TrimSpace(q.Question),
			Answers:      q.Answers,
			CorrectIndex: q.CorrectAnswer,
		})
	}

	if err := Validate(qs); err != nil {
		return nil, fmt.Errorf("invalid questions %s: %w", path, err)
	}

	return qs, nil
}

// Validate checks that the set is playable.
func Validate(qs []domain.Question) error {
	if len(qs) == 0 {
		return fmt.Errorf("no questions")
	}

	for i, q := range qs {
		if q.Text == "" {
			return fmt.Errorf("question %d: empty text", i)
		}

		if n := len(q.Answers); n < MinAnswers || n > MaxAnswers {
			return fmt.Errorf("question %d: %d answers, want %d to %d", i, n, MinAnswers, MaxAnswers)
		}

		for j, a := range q.Answers {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("question %d: answer %d is empty", i, j)
			}
		}

		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Answers) {
			return fmt.Errorf("question %d: correct answer %d out of range", i, q.CorrectIndex)
		}
	}

	return nil
}

// Default is the built-in question set.
func Default() []domain.Question {
	return []domain.Question{
		{
			Text:         "What is the capital of Italy?",
			Answers:      []string{"Milan", "Rome", "Naples", "Florence"},
			CorrectIndex: 1,
		},
		{
			Text:         "How many continents are there?",
			Answers:      []string{"5", "6", "7", "8"},
			CorrectIndex: 2,
		},
		{
			Text:         "Who painted the Mona Lisa?",
			Answers:      []string{"Michelangelo", "Raphael", "Leonardo da Vinci", "Caravaggio"},
			CorrectIndex: 2,
		},
		{
			Text:         "What is the largest planet in the solar system?",
			Answers:      []string{"Earth", "Mars", "Saturn", "Jupiter"},
			CorrectIndex: 3,
		},
		{
			Text:         "In which year did the Berlin Wall fall?",
			Answers:      []string{"1985", "1989", "1991", "1995"},
			CorrectIndex: 1,
		},
	}
}
