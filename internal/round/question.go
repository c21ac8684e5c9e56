package round

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/errors"
)

// Every question carries exactly four labeled choices.
var optionLabels = []string{"A", "B", "C", "D"}

func unmarshalOptions(raw []byte, q *domain.Question) error {
	if err := json.Unmarshal(raw, &q.Options); err != nil {
		return fmt.Errorf("unmarshal question options: %w", err)
	}

	return nil
}

// ValidOption reports whether label is one of the four choice labels.
func ValidOption(label string) bool {
	for _, l := range optionLabels {
		if l == label {
			return true
		}
	}

	return false
}

func validateOptions(options map[string]string, correct string) error {
	if len(options) != len(optionLabels) {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question needs exactly %d options", len(optionLabels)))
	}
	for _, l := range optionLabels {
		if options[l] == "" {
			return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("option %s is missing", l))
		}
	}
	if !ValidOption(correct) {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown correct option: %s", correct))
	}

	return nil
}

type CreateQuestionRequest struct {
	Category      string
	Difficulty    string
	Text          string
	Options       map[string]string
	CorrectOption string
}

// CreateQuestion seeds the question bank. New questions start with zero
// usage, which puts them at the front of the selection order.
func (s *Service) CreateQuestion(ctx context.Context, req CreateQuestionRequest) (*domain.Question, error) {
	if req.Text == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question text is required"))
	}
	if err := validateOptions(req.Options, req.CorrectOption); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate question ID: %w", err)
	}

	b, err := json.Marshal(req.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	q := &domain.Question{
		QuestionID:    id.String(),
		Category:      req.Category,
		Difficulty:    req.Difficulty,
		Text:          req.Text,
		Options:       req.Options,
		CorrectOption: req.CorrectOption,
	}
	if _, err := s.db.Exec(ctx, `
INSERT INTO questions (question_id, category, difficulty, question_text, options, correct_option)
VALUES ($1, $2, $3, $4, $5, $6);`,
		q.QuestionID, q.Category, q.Difficulty, q.Text, b, q.CorrectOption); err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}

	return q, nil
}
