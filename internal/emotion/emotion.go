// Package emotion holds the emotion telemetry attached to user messages and
// aligns it into a chartable series.
package emotion

import (
	"math"
	"strings"
	"time"
)

// Score is one fuzzy emotion reading.
type Score struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Vector is an ordered list of scores for a single message. A nil or empty
// Vector means the message was not analyzed.
type Vector []Score

// Analyzed reports whether the vector carries any reading.
func (v Vector) Analyzed() bool { return len(v) > 0 }

// Normalize drops unlabeled and non-finite entries and clamps scores to [0,1].
// The result is nil when nothing usable remains.
func Normalize(v Vector) Vector {
	var out Vector
	for _, s := range v {
		label := strings.TrimSpace(s.Label)
		if label == "" || math.IsNaN(s.Score) || math.IsInf(s.Score, 0) {
			continue
		}
		out = append(out, Score{Label: label, Score: min(max(s.Score, 0), 1)})
	}
	return out
}

// Sample is one user message as seen by the aggregator.
type Sample struct {
	At     time.Time
	Vector Vector
}

// Point is one position of an aligned series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Emotions  Vector    `json:"emotions"`
}

// Series aligns samples into a rectangular label × position matrix. Labels are
// kept in the order they were first seen; a label missing at a position is 0.
// Unanalyzed samples are dropped. A repeated label inside one vector keeps its
// last score.
func Series(samples []Sample) []Point {
	var (
		labels  []string
		columns = make(map[string][]float64)
		stamps  []time.Time
	)

	for _, s := range samples {
		if !s.Vector.Analyzed() {
			continue
		}
		pos := len(stamps)
		stamps = append(stamps, s.At)

		for _, sc := range s.Vector {
			col, seen := columns[sc.Label]
			if !seen {
				labels = append(labels, sc.Label)
				col = make([]float64, pos+1)
			}
			for len(col) <= pos {
				col = append(col, 0)
			}
			col[pos] = sc.Score
			columns[sc.Label] = col
		}
		for _, l := range labels {
			if col := columns[l]; len(col) <= pos {
				columns[l] = append(col, 0)
			}
		}
	}

	out := make([]Point, len(stamps))
	for i, at := range stamps {
		vec := make(Vector, len(labels))
		for j, l := range labels {
			vec[j] = Score{Label: l, Score: columns[l][i]}
		}
		out[i] = Point{Timestamp: at, Emotions: vec}
	}
	return out
}
