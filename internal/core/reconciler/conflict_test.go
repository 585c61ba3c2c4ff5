package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	window := 50 * time.Millisecond
	at := func(d time.Duration) time.Time { return epoch.Add(d) }

	tests := []struct {
		name     string
		current  Claim
		incoming Claim
		want     Verdict
	}{
		{"First writer", Claim{}, Claim{Source: "A", Timestamp: at(0)}, VerdictApply},
		{"Same source", Claim{Source: "A", Priority: 9, Timestamp: at(time.Second)}, Claim{Source: "A", Timestamp: at(0)}, VerdictApply},
		{"Higher priority wins", Claim{Source: "A", Priority: 1, Timestamp: at(0)}, Claim{Source: "B", Priority: 2, Timestamp: at(0)}, VerdictWon},
		{"Lower priority loses", Claim{Source: "B", Priority: 2, Timestamp: at(0)}, Claim{Source: "A", Priority: 1, Timestamp: at(10 * time.Millisecond)}, VerdictLost},
		{"Later timestamp breaks tie", Claim{Source: "B", Timestamp: at(0)}, Claim{Source: "A", Timestamp: at(time.Millisecond)}, VerdictWon},
		{"Source id breaks tie", Claim{Source: "A", Timestamp: at(0)}, Claim{Source: "B", Timestamp: at(0)}, VerdictWon},
		{"Newer than window", Claim{Source: "B", Priority: 5, Timestamp: at(0)}, Claim{Source: "A", Timestamp: at(time.Second)}, VerdictApply},
		{"Older than window", Claim{Source: "A", Timestamp: at(time.Second)}, Claim{Source: "B", Priority: 5, Timestamp: at(0)}, VerdictSuperseded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.current, tt.incoming, window))
		})
	}

	t.Run("Beats is a strict order", func(t *testing.T) {
		a := Claim{Source: "a", Priority: 1, Timestamp: at(0)}
		b := Claim{Source: "b", Priority: 1, Timestamp: at(0)}
		assert.True(t, Beats(b, a))
		assert.False(t, Beats(a, b))
		assert.False(t, Beats(a, a))
	})

	t.Run("Accepted", func(t *testing.T) {
		assert.True(t, VerdictApply.Accepted())
		assert.True(t, VerdictWon.Accepted())
		assert.False(t, VerdictLost.Accepted())
		assert.False(t, VerdictSuperseded.Accepted())
	})
}
