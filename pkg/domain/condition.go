package domain

import (
	"fmt"
	"strings"
)

// Condition labels one of the three study arms.
type Condition string

const (
	ConditionControl   Condition = "control"
	ConditionModelText Condition = "model text"
	ConditionAIWCF     Condition = "ai-wcf"
)

// Conditions lists the arms in declared order. Allocation breaks ties by this
// order, so it must never be reordered once a study is running.
var Conditions = []Condition{ConditionControl, ConditionModelText, ConditionAIWCF}

// NormalizeCondition trims and case-folds a raw label. Runs of inner
// whitespace collapse to a single space so "Model  Text" matches "model text".
func NormalizeCondition(raw string) Condition {
	return Condition(strings.Join(strings.Fields(strings.ToLower(raw)), " "))
}

// ParseCondition normalizes raw and checks it names a known arm. An empty
// input returns ("", nil): no condition was supplied.
func ParseCondition(raw string) (Condition, error) {
	c := NormalizeCondition(raw)
	if c == "" {
		return "", nil
	}
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown condition %q", ErrInvalidRequest, raw)
	}
	return c, nil
}

// Valid reports whether c is one of the declared arms.
func (c Condition) Valid() bool {
	for _, known := range Conditions {
		if c == known {
			return true
		}
	}
	return false
}

func (c Condition) String() string { return string(c) }

// Tally is the aggregate count of automatic assignments per arm.
type Tally struct {
	Control   int `json:"control"`
	ModelText int `json:"modelText"`
	AIWCF     int `json:"aiWcf"`
}

// Count returns the tally for c; unknown conditions count zero.
func (t Tally) Count(c Condition) int {
	switch c {
	case ConditionControl:
		return t.Control
	case ConditionModelText:
		return t.ModelText
	case ConditionAIWCF:
		return t.AIWCF
	default:
		return 0
	}
}

// Increment adds one to the count for c.
func (t *Tally) Increment(c Condition) error {
	switch c {
	case ConditionControl:
		t.Control++
	case ConditionModelText:
		t.ModelText++
	case ConditionAIWCF:
		t.AIWCF++
	default:
		return fmt.Errorf("increment tally: unknown condition %q", c)
	}
	return nil
}

// Total is the number of automatic assignments ever made.
func (t Tally) Total() int { return t.Control + t.ModelText + t.AIWCF }

// Least returns the arm with the smallest count. Ties go to the arm that
// appears first in Conditions.
func (t Tally) Least() Condition {
	pick, least := Conditions[0], t.Count(Conditions[0])
	for _, c := range Conditions[1:] {
		if n := t.Count(c); n < least {
			pick, least = c, n
		}
	}
	return pick
}

// Spread is max-min over the three counts.
func (t Tally) Spread() int {
	lo, hi := t.Control, t.Control
	for _, n := range []int{t.ModelText, t.AIWCF} {
		if n < lo {
			lo = n
		}
		if n > hi {
			hi = n
		}
	}
	return hi - lo
}
