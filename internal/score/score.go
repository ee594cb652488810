// Package score parses match score strings and derives the result they
// imply, so a submitted result can be checked against the scoreline
// before settlement commits it.
package score

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/kickcap/exchange-engine/internal/model"
)

// scoreRegex matches: {homeGoals}-{awayGoals}
// Example: 2-1
var scoreRegex = regexp.MustCompile(`^(\d{1,3})-(\d{1,3})$`)

var (
	ErrInvalidScore = errors.New("score: invalid score format")

	// ErrResultMismatch is returned when a submitted result contradicts
	// the scoreline, e.g. HOME_WIN with a 1-1 score.
	ErrResultMismatch = errors.New("score: result does not match score")
)

// Score is a parsed full-time scoreline.
type Score struct {
	HomeGoals int `json:"home_goals"`
	AwayGoals int `json:"away_goals"`
}

// Parse parses and validates a score string.
// Format: {homeGoals}-{awayGoals}
func Parse(s string) (*Score, error) {
	matches := scoreRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {home}-{away}, e.g. 2-1)", ErrInvalidScore, s)
	}

	home, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScore, s)
	}
	away, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScore, s)
	}

	return &Score{HomeGoals: home, AwayGoals: away}, nil
}

// Result returns the match result the scoreline implies.
func (s *Score) Result() model.MatchResult {
	switch {
	case s.HomeGoals > s.AwayGoals:
		return model.ResultHomeWin
	case s.AwayGoals > s.HomeGoals:
		return model.ResultAwayWin
	default:
		return model.ResultDraw
	}
}

// String renders the scoreline back to its wire form.
func (s *Score) String() string {
	return fmt.Sprintf("%d-%d", s.HomeGoals, s.AwayGoals)
}

// ValidateResult checks a submitted result against a score string. An
// empty score is accepted as-is: results can be recorded without a
// scoreline. A non-empty score must parse and imply the same result.
func ValidateResult(result model.MatchResult, scoreStr string) error {
	if scoreStr == "" {
		return nil
	}
	parsed, err := Parse(scoreStr)
	if err != nil {
		return err
	}
	if implied := parsed.Result(); implied != result {
		return fmt.Errorf("%w: %s implies %s, got %s", ErrResultMismatch, scoreStr, implied, result)
	}
	return nil
}
