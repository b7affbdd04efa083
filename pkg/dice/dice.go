// Package dice implements the roll-notation engine for the tavern client.
package dice

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	// MaxCount is the largest supported dice count per roll.
	MaxCount = 100
	// MaxSides is the largest supported face count per die.
	MaxSides = 1000
)

// ErrInvalidNotation indicates a roll request outside the `<count>d<sides>`
// grammar or its supported ranges.
var ErrInvalidNotation = errors.New("dice: invalid notation")

// Roller produces uniform die values. Implementations must return values
// in [1, sides].
type Roller func(sides int) int

// defaultRoller draws from the shared math/rand/v2 source.
func defaultRoller(sides int) int {
	return rand.IntN(sides) + 1
}

// Result captures one notation roll with its derived stats.
type Result struct {
	// Notation is the normalized request, for example "2d6".
	Notation string
	// Count is the number of dice rolled.
	Count int
	// Sides is the number of faces per die.
	Sides int
	// Results holds each die value in roll order.
	Results []int
	// Total is the sum of Results.
	Total int
	// Hits is the number of even values in Results.
	Hits int
	// HighEven reports whether the highest result is even.
	HighEven bool
	// LowEven reports whether the lowest result is even.
	LowEven bool
}

// Parse validates notation of the form `<count>d<sides>` and returns its
// components. Count must be in [1, MaxCount] and sides in [1, MaxSides].
func Parse(notation string) (count, sides int, err error) {
	trimmed := strings.TrimSpace(notation)
	countToken, sidesToken, found := strings.Cut(trimmed, "d")
	if !found {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidNotation, notation)
	}

	count, err = strconv.Atoi(countToken)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidNotation, notation)
	}
	sides, err = strconv.Atoi(sidesToken)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidNotation, notation)
	}

	if count < 1 || count > MaxCount {
		return 0, 0, fmt.Errorf("%w: count %d out of range [1,%d]", ErrInvalidNotation, count, MaxCount)
	}
	if sides < 1 || sides > MaxSides {
		return 0, 0, fmt.Errorf("%w: sides %d out of range [1,%d]", ErrInvalidNotation, sides, MaxSides)
	}

	return count, sides, nil
}

// Roll parses notation and produces count independent uniform values in
// [1, sides], with derived stats computed so receivers need not recompute them.
func Roll(notation string) (Result, error) {
	return RollWith(notation, defaultRoller)
}

// RollWith is Roll with an injected value source.
func RollWith(notation string, roll Roller) (Result, error) {
	count, sides, err := Parse(notation)
	if err != nil {
		return Result{}, err
	}
	if roll == nil {
		roll = defaultRoller
	}

	results := make([]int, count)
	total := 0
	hits := 0
	high := 0
	low := sides + 1
	for index := range results {
		value := roll(sides)
		results[index] = value
		total += value
		if value%2 == 0 {
			hits++
		}
		if value > high {
			high = value
		}
		if value < low {
			low = value
		}
	}

	return Result{
		Notation: fmt.Sprintf("%dd%d", count, sides),
		Count:    count,
		Sides:    sides,
		Results:  results,
		Total:    total,
		Hits:     hits,
		HighEven: high%2 == 0,
		LowEven:  low%2 == 0,
	}, nil
}
