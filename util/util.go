// Package util contains misc internal utilities.
package util

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// CSVToIntSlice is the inverse of IntSliceToCSV.  Whitespace around fields is ignored.
func CSVToIntSlice(s string) ([]int, error) {
	chunks := strings.Split(strings.TrimSpace(s), ",")
	out := make([]int, len(chunks))
	for i, c := range chunks {
		v, err := strconv.Atoi(strings.TrimSpace(c))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Clamp restricts x to [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Limiter holds software limits on a hardware register.  The zero value
// imposes no limit.
type Limiter struct {
	Min float64 `yaml:"Min" json:"min"`
	Max float64 `yaml:"Max" json:"max"`
}

// Check returns true if the value is within the limits
func (l Limiter) Check(v float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return v >= l.Min && v <= l.Max
}

// Clamp restricts v to the limits, if any are set
func (l Limiter) Clamp(v float64) float64 {
	if l.Min == 0 && l.Max == 0 {
		return v
	}
	return Clamp(v, l.Min, l.Max)
}
