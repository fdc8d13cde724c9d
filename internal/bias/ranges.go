package bias

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var parenthetical = regexp.MustCompile(`\(.*?\)`)

// ErrUnhandledFormat is returned by ParseCell for text it cannot interpret.
var ErrUnhandledFormat = errors.New("unhandled bias value format")

// Round rounds x to the given number of decimals.
func Round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}

// Steps returns the inclusive range from start to stop in increments of
// |step|, descending when stop < start. Values are rounded to 4 decimals.
func Steps(start, stop, step float64) ([]float64, error) {
	step = math.Abs(step)
	if step == 0 {
		return nil, fmt.Errorf("zero step in range %g to %g", start, stop)
	}
	if start == stop {
		return []float64{Round(start, 4)}, nil
	}

	lo, hi := start, stop
	if stop < start {
		lo, hi = stop, start
	}
	n := int(math.Floor((hi-lo)/step+1e-9)) + 1
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = Round(lo+float64(i)*step, 4)
	}
	if stop < start {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// FormatRange renders a range the way bias tables write it.
func FormatRange(start, stop, step float64) string {
	return fmt.Sprintf("%s to %s in steps of %s V",
		strconv.FormatFloat(start, 'f', -1, 64),
		strconv.FormatFloat(stop, 'f', -1, 64),
		strconv.FormatFloat(step, 'f', -1, 64))
}

// Describe renders values as a range when they are evenly spaced, and as a
// "/" separated list otherwise. Either form reads back through ParseCell.
func Describe(values []float64) string {
	if len(values) >= 3 {
		step := Round(values[1]-values[0], 4)
		even := step != 0
		for i := 2; i < len(values) && even; i++ {
			even = Round(values[i]-values[i-1], 4) == step
		}
		if even {
			return FormatRange(values[0], values[len(values)-1], math.Abs(step))
		}
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, " / ")
}

// ParseCell converts one bias table cell into a value list. Accepted forms:
// "0", "a to b in steps of s", "a / b / c" and a single number. Units ("V")
// and parenthesised notes are ignored.
func ParseCell(cell string) ([]float64, error) {
	cleaned := parenthetical.ReplaceAllString(cell, "")
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, "V", ""))

	if cleaned == "0" {
		return []float64{0}, nil
	}

	if strings.Contains(cleaned, "to") && strings.Contains(cleaned, "steps") {
		head, tail, _ := strings.Cut(cleaned, "to")
		endStr, stepPart, ok := strings.Cut(tail, "in")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnhandledFormat, cell)
		}
		_, stepStr, ok := strings.Cut(stepPart, "steps of")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnhandledFormat, cell)
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(head), 64)
		if err != nil {
			return nil, fmt.Errorf("range start in %q: %w", cell, err)
		}
		end, err := strconv.ParseFloat(strings.TrimSpace(endStr), 64)
		if err != nil {
			return nil, fmt.Errorf("range end in %q: %w", cell, err)
		}
		step, err := strconv.ParseFloat(strings.TrimSpace(stepStr), 64)
		if err != nil {
			return nil, fmt.Errorf("range step in %q: %w", cell, err)
		}
		return Steps(start, end, step)
	}

	if strings.Contains(cleaned, "/") {
		var out []float64
		for _, part := range strings.Split(cleaned, "/") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			v, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, fmt.Errorf("discrete value in %q: %w", cell, err)
			}
			out = append(out, v)
		}
		return out, nil
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnhandledFormat, cell)
	}
	return []float64{v}, nil
}

// DropAbove removes values whose magnitude exceeds limit.
func DropAbove(values []float64, limit float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v) <= limit {
			out = append(out, v)
		}
	}
	return out
}

// KeepAbove keeps values whose magnitude exceeds limit.
func KeepAbove(values []float64, limit float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v) > limit {
			out = append(out, v)
		}
	}
	return out
}

// Refinement adds Points values between neighbours inside [Start, Stop].
type Refinement struct {
	Start, Stop float64
	Points      int
}

// ParseRefinement parses "start:stop:points", e.g. "0:2:3".
func ParseRefinement(s string) (Refinement, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return Refinement{}, fmt.Errorf("refinement %q: want start:stop:points", s)
	}
	var r Refinement
	var err error
	if r.Start, err = strconv.ParseFloat(strings.TrimSpace(fields[0]), 64); err != nil {
		return Refinement{}, fmt.Errorf("refinement start in %q: %w", s, err)
	}
	if r.Stop, err = strconv.ParseFloat(strings.TrimSpace(fields[1]), 64); err != nil {
		return Refinement{}, fmt.Errorf("refinement stop in %q: %w", s, err)
	}
	if r.Points, err = strconv.Atoi(strings.TrimSpace(fields[2])); err != nil {
		return Refinement{}, fmt.Errorf("refinement points in %q: %w", s, err)
	}
	if r.Points < 1 {
		return Refinement{}, fmt.Errorf("refinement %q: points must be at least 1", s)
	}
	if r.Start > r.Stop {
		r.Start, r.Stop = r.Stop, r.Start
	}
	return r, nil
}

// Apply inserts the refinement points into values.
func (r Refinement) Apply(values []float64) ([]float64, error) {
	return InsertEvenlySpaced(values, r.Start, r.Stop, r.Points)
}

// InsertEvenlySpaced adds n evenly spaced points between each pair of
// neighbours wherever that segment overlaps [start, stop]. Inserted points
// follow the direction of their segment. Results are rounded to 3 decimals.
func InsertEvenlySpaced(values []float64, start, stop float64, n int) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("number of points to add must be at least 1, got %d", n)
	}
	if len(values) < 2 {
		return append([]float64(nil), values...), nil
	}

	out := make([]float64, 0, len(values)*(n+1))
	for i := 0; i < len(values)-1; i++ {
		cur, next := values[i], values[i+1]
		out = append(out, cur)

		lower := math.Max(math.Min(cur, next), start)
		upper := math.Min(math.Max(cur, next), stop)
		if lower >= upper {
			continue
		}
		step := (upper - lower) / float64(n+1)
		inserted := make([]float64, n)
		for k := 1; k <= n; k++ {
			inserted[k-1] = lower + step*float64(k)
		}
		if cur > next {
			for a, b := 0, n-1; a < b; a, b = a+1, b-1 {
				inserted[a], inserted[b] = inserted[b], inserted[a]
			}
		}
		out = append(out, inserted...)
	}
	out = append(out, values[len(values)-1])

	for i := range out {
		out[i] = Round(out[i], 3)
	}
	return out, nil
}

// LogSpacingAfter keeps values up to and including changepoint and replaces
// the n values after it with n+1 log-spaced points ending at the last value.
// All-negative lists are handled by mirroring.
func LogSpacingAfter(values []float64, changepoint float64) ([]float64, error) {
	allNegative := len(values) > 0
	for _, v := range values {
		if v >= 0 {
			allNegative = false
			break
		}
	}

	work := append([]float64(nil), values...)
	cp := changepoint
	if allNegative {
		for i := range work {
			work[i] = -work[i]
		}
		cp = -cp
	}

	cpIdx := -1
	for i, v := range work {
		if math.Abs(v-cp) < 1e-12 {
			cpIdx = i
			break
		}
	}
	if cpIdx < 0 {
		return nil, fmt.Errorf("changepoint %g not found in values", changepoint)
	}

	out := append([]float64(nil), work[:cpIdx+1]...)
	fill := len(work) - (cpIdx + 1)
	if fill > 0 {
		first, last := work[cpIdx], work[len(work)-1]
		if first <= 0 || last <= 0 {
			return nil, errors.New("cannot create log spacing with non-positive start or end value")
		}
		lo, hi := math.Log10(first), math.Log10(last)
		points := fill + 1
		for k := 1; k <= points; k++ {
			out = append(out, math.Pow(10, lo+(hi-lo)*float64(k)/float64(points)))
		}
	}

	for i := range out {
		if allNegative {
			out[i] = -out[i]
		}
		out[i] = Round(out[i], 3)
	}
	return out, nil
}
