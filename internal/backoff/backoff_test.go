package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayGrowsWithAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	d1 := Delay(1, base, max)
	d3 := Delay(3, base, max)
	require.Greater(t, d3, d1)
}

func TestDelayCapsAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 200 * time.Millisecond

	d := Delay(20, base, max)
	require.LessOrEqual(t, d, max+max/5)
}

func TestDelayZeroForNonPositiveAttempt(t *testing.T) {
	require.Equal(t, time.Duration(0), Delay(0, time.Second, time.Minute))
}
