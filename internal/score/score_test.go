package score

import (
	"errors"
	"testing"

	"github.com/kickcap/exchange-engine/internal/model"
)

func TestParse_Valid(t *testing.T) {
	s, err := Parse("2-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.HomeGoals != 2 {
		t.Errorf("expected home_goals=2, got %d", s.HomeGoals)
	}
	if s.AwayGoals != 1 {
		t.Errorf("expected away_goals=1, got %d", s.AwayGoals)
	}
	if s.String() != "2-1" {
		t.Errorf("expected round-trip 2-1, got %s", s.String())
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"2",
		"2-",
		"-1",
		"2:1",
		"2 - 1",
		"a-b",
		"2-1-0",
		"1234-1", // more than three digits
	}
	for _, raw := range tests {
		_, err := Parse(raw)
		if err == nil {
			t.Errorf("expected error for score %q", raw)
		}
	}
}

func TestResult_AllOutcomes(t *testing.T) {
	tests := []struct {
		raw  string
		want model.MatchResult
	}{
		{"3-0", model.ResultHomeWin},
		{"0-2", model.ResultAwayWin},
		{"1-1", model.ResultDraw},
		{"0-0", model.ResultDraw},
	}
	for _, tc := range tests {
		s, err := Parse(tc.raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.raw, err)
		}
		if got := s.Result(); got != tc.want {
			t.Errorf("score %q: expected %s, got %s", tc.raw, tc.want, got)
		}
	}
}

func TestValidateResult_Consistent(t *testing.T) {
	if err := ValidateResult(model.ResultHomeWin, "2-1"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := ValidateResult(model.ResultDraw, "0-0"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidateResult_Mismatch(t *testing.T) {
	err := ValidateResult(model.ResultHomeWin, "1-1")
	if !errors.Is(err, ErrResultMismatch) {
		t.Errorf("expected ErrResultMismatch, got %v", err)
	}
}

func TestValidateResult_EmptyScoreAccepted(t *testing.T) {
	if err := ValidateResult(model.ResultAwayWin, ""); err != nil {
		t.Errorf("empty score should be accepted, got %v", err)
	}
}

func TestValidateResult_BadScore(t *testing.T) {
	err := ValidateResult(model.ResultHomeWin, "two-one")
	if !errors.Is(err, ErrInvalidScore) {
		t.Errorf("expected ErrInvalidScore, got %v", err)
	}
}
