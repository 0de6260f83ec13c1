package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

type edges = map[message.StageID][]message.StageID

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		start       message.StageID
		edges       edges
		errContains string
	}{
		{"empty start", "", edges{"a": nil}, "no start stage"},
		{"undefined start", "x", edges{"a": nil}, "not defined"},
		{"unknown successor", "a", edges{"a": {"b"}}, "unknown successor"},
		{"cycle through start", "a", edges{"a": {"b"}, "b": {"a"}}, "cycle"},
		{"fan-in", "a", edges{"a": {"b", "c"}, "b": {"d"}, "c": {"d"}, "d": nil}, "two predecessors"},
		{"unreachable", "a", edges{"a": nil, "b": {"c"}, "c": nil}, "unreachable"},
		{"none is reserved", "a", edges{"a": {"none"}, "none": nil}, "invalid stage id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("wf", tt.start, tt.edges)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestNew_FanOut(t *testing.T) {
	wf, err := New("fan", "a", edges{"a": {"b", "c", "b"}, "b": nil, "c": {"d"}, "d": nil})
	require.NoError(t, err)

	require.Equal(t, []message.StageID{"b", "c"}, wf.Successors("a"), "duplicates removed")
	require.Equal(t, []message.StageID{"a", "b", "c", "d"}, wf.Stages())
	require.Equal(t, []message.StageID{"b", "d"}, wf.Terminals())
	require.False(t, wf.IsChain())
	require.True(t, wf.IsTerminal("b"))
	require.False(t, wf.IsTerminal("a"))
	require.False(t, wf.IsTerminal("zzz"))
	require.True(t, wf.IsPrefix([]message.StageID{"a", "c", "b", "d"}))
	require.False(t, wf.IsPrefix([]message.StageID{"a", "d"}))
	require.Equal(t, "a -> b, c; b; c -> d; d", wf.String())
}

func TestSuccessors_ReturnsCopy(t *testing.T) {
	wf, err := Chain("c", "a", "b")
	require.NoError(t, err)
	succ := wf.Successors("a")
	succ[0] = "mutated"
	require.Equal(t, []message.StageID{"b"}, wf.Successors("a"))
	require.Empty(t, wf.Successors("unknown"))
}

func TestChain(t *testing.T) {
	wf, err := Chain("c", "a", "b", "c")
	require.NoError(t, err)
	require.Equal(t, message.StageID("a"), wf.Start())
	require.True(t, wf.IsChain())
	require.Equal(t, "a -> b -> c", wf.String())

	_, err = Chain("c")
	require.ErrorIs(t, err, ErrNoStart)

	_, err = Chain("dup", "a", "b", "a")
	require.ErrorIs(t, err, ErrCycle)
}

func TestIsPrefix_Chain(t *testing.T) {
	wf, err := Chain("c", "a", "b", "c")
	require.NoError(t, err)

	require.True(t, wf.IsPrefix(nil))
	require.True(t, wf.IsPrefix([]message.StageID{"a", "b"}))
	require.False(t, wf.IsPrefix([]message.StageID{"b"}))
	require.False(t, wf.IsPrefix([]message.StageID{"a", "a"}))
	require.False(t, wf.IsPrefix([]message.StageID{"a", "x"}))
}

// TestIsPrefix_Property checks that for any chain every prefix of Stages() is
// accepted and any swap of two adjacent completed stages is rejected.
func TestIsPrefix_Property(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(r, "n")
		stages := make([]message.StageID, n)
		for i := range stages {
			stages[i] = message.StageID(fmt.Sprintf("s%d", i))
		}
		wf, err := Chain("p", stages...)
		if err != nil {
			r.Fatalf("chain: %v", err)
		}

		k := rapid.IntRange(0, n).Draw(r, "k")
		prefix := wf.Stages()[:k]
		if !wf.IsPrefix(prefix) {
			r.Fatalf("prefix %v rejected", prefix)
		}
		if k >= 2 {
			i := rapid.IntRange(0, k-2).Draw(r, "swap")
			swapped := append([]message.StageID(nil), prefix...)
			swapped[i], swapped[i+1] = swapped[i+1], swapped[i]
			if wf.IsPrefix(swapped) {
				r.Fatalf("out-of-order %v accepted", swapped)
			}
		}
	})
}

func TestSource_String(t *testing.T) {
	require.Equal(t, "built-in", SourceBuiltIn.String())
	require.Equal(t, "user", SourceUser.String())
	require.Equal(t, "unknown", Source(9).String())
}
