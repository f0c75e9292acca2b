package media

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		loss float64
		rtt  time.Duration
		want Quality
	}{
		{"clean link", 0.2, 40 * time.Millisecond, QualityExcellent},
		{"loss pushes out of excellent", 1.5, 40 * time.Millisecond, QualityGood},
		{"rtt pushes out of excellent", 0.2, 150 * time.Millisecond, QualityGood},
		{"moderate degradation", 5, 400 * time.Millisecond, QualityFair},
		{"heavy loss", 12, 40 * time.Millisecond, QualityPoor},
		{"satellite-grade rtt", 0.2, 700 * time.Millisecond, QualityPoor},
		{"boundary loss counts as worse tier", 1, 40 * time.Millisecond, QualityGood},
		{"boundary rtt counts as worse tier", 0, 100 * time.Millisecond, QualityGood},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.loss, tc.rtt); got != tc.want {
				t.Errorf("Classify(%.1f%%, %s) = %s, want %s", tc.loss, tc.rtt, got, tc.want)
			}
		})
	}
}

func TestQualityString(t *testing.T) {
	if QualityUnknown.String() != "unknown" || QualityPoor.String() != "poor" {
		t.Error("Quality tier names do not match the UI vocabulary")
	}
}
