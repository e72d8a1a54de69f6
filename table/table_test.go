package table

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-dm/internal/interfaces"
)

func mustTable(t *testing.T, highs []uint64) *Table {
	t.Helper()
	targets := make([]*interfaces.Target, len(highs))
	for i := range targets {
		targets[i] = &interfaces.Target{Type: &interfaces.TargetType{Name: "linear"}}
	}
	tbl, err := New(highs, targets, 512)
	require.NoError(t, err)
	return tbl
}

// TestLookup_LinearRouting mirrors spec §8 scenario S1.
func TestLookup_LinearRouting(t *testing.T) {
	tbl := mustTable(t, []uint64{99, 299})

	cases := []struct {
		sector uint64
		want   int
	}{
		{0, 0},
		{50, 0},
		{99, 0},
		{100, 1},
		{299, 1},
	}
	for _, c := range cases {
		got, err := tbl.Lookup(c.sector)
		require.NoError(t, err)
		require.Equalf(t, c.want, got, "sector %d", c.sector)
	}

	_, err := tbl.Lookup(300)
	require.ErrorIs(t, err, ErrOutOfRange)
}

// TestLookup_BoundaryCoverage checks invariant 1 and 7: every boundary ± 1
// resolves to the unique owning target with no gaps or overlaps.
func TestLookup_BoundaryCoverage(t *testing.T) {
	highs := []uint64{9, 20, 21, 1000, 1500}
	tbl := mustTable(t, highs)

	var low uint64 = 0
	for i, high := range highs {
		for s := low; s <= high; s++ {
			got, err := tbl.Lookup(s)
			require.NoError(t, err)
			require.Equal(t, i, got)
		}
		low = high + 1
	}
	_, err := tbl.Lookup(highs[len(highs)-1] + 1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

// TestLookup_RandomizedPartition is a randomized property test for
// invariant 1 across table sizes that straddle multiple B-tree levels.
func TestLookup_RandomizedPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.Intn(500)
		highs := make([]uint64, n)
		var cur uint64
		for i := 0; i < n; i++ {
			cur += uint64(1 + rng.Intn(50))
			highs[i] = cur
		}
		tbl := mustTable(t, highs)

		for probe := 0; probe < 200; probe++ {
			s := uint64(rng.Intn(int(highs[n-1]) + 2))
			got, err := tbl.Lookup(s)
			want := -1
			for i, h := range highs {
				if s <= h {
					want = i
					break
				}
			}
			if want == -1 {
				require.ErrorIs(t, err, ErrOutOfRange)
			} else {
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
		}
	}
}

func TestNew_RejectsUnsortedOrEmpty(t *testing.T) {
	_, err := New(nil, nil, 512)
	require.ErrorIs(t, err, ErrEmptyTable)

	targets := []*interfaces.Target{{}, {}}
	_, err = New([]uint64{10, 5}, targets, 512)
	require.ErrorIs(t, err, ErrHighsNotSorted)

	_, err = New([]uint64{10}, targets, 512)
	require.ErrorIs(t, err, ErrMismatchedLengths)
}

// TestPending_WaitWakesOnZero verifies invariant 3: pending never goes
// negative and Wait returns exactly when it reaches zero.
func TestPending_WaitWakesOnZero(t *testing.T) {
	tbl := mustTable(t, []uint64{10})
	tbl.IncPending()
	tbl.IncPending()
	require.Equal(t, int64(2), tbl.Pending())

	done := make(chan struct{})
	go func() {
		tbl.Wait()
		close(done)
	}()

	tbl.DecPending()
	select {
	case <-done:
		t.Fatal("Wait returned before pending reached zero")
	default:
	}

	tbl.DecPending()
	<-done
	require.Equal(t, int64(0), tbl.Pending())
}
