package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/llms"
	"github.com/wehubfusion/Daedalus/pkg/parsers"
	"github.com/wehubfusion/Daedalus/pkg/prompt"
)

func newParallelTestChain(t *testing.T, cfg ParallelConfig) (*ParallelChain, *fakeGenerator) {
	t.Helper()
	tmpl := prompt.MustNew("Pair {a} with {b}.", []string{"a", "b"})
	gen := &fakeGenerator{}
	pc, err := NewParallelWithConfig(tmpl, gen, cfg)
	require.NoError(t, err)
	return pc, gen
}

func TestNewParallelWithConfig_Validation(t *testing.T) {
	tmpl := prompt.MustNew("{a}", []string{"a"})
	gen := &fakeGenerator{}

	_, err := NewParallelWithConfig(nil, gen, ParallelConfig{})
	require.Error(t, err)

	_, err = NewParallelWithConfig(tmpl, nil, ParallelConfig{})
	require.Error(t, err)

	_, err = NewParallelWithConfig(tmpl, gen, ParallelConfig{N: -1})
	require.Error(t, err)

	_, err = NewParallelWithConfig(tmpl, gen, ParallelConfig{MaxBranching: -1})
	require.Error(t, err)

	pc, err := NewParallelWithConfig(tmpl, gen, ParallelConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxBranching, pc.MaxBranching())
}

func TestParallelChain_ExpandBranches_AllScalars(t *testing.T) {
	pc, _ := newParallelTestChain(t, ParallelConfig{})

	branches, err := pc.ExpandBranches(Inputs{"a": "x", "b": "y"})
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, Branch{"a": "x", "b": "y"}, branches[0])
}

func TestParallelChain_ExpandBranches_ListAndScalar(t *testing.T) {
	pc, _ := newParallelTestChain(t, ParallelConfig{})

	branches, err := pc.ExpandBranches(Inputs{"a": []string{"x", "y"}, "b": "z"})
	require.NoError(t, err)
	assert.Equal(t, []Branch{
		{"a": "x", "b": "z"},
		{"a": "y", "b": "z"},
	}, branches)
}

func TestParallelChain_ExpandBranches_CartesianOrder(t *testing.T) {
	pc, _ := newParallelTestChain(t, ParallelConfig{})

	branches, err := pc.ExpandBranches(Inputs{
		"a": []string{"1", "2"},
		"b": []string{"x", "y", "z"},
	})
	require.NoError(t, err)

	// Last declared variable varies fastest.
	assert.Equal(t, []Branch{
		{"a": "1", "b": "x"},
		{"a": "1", "b": "y"},
		{"a": "1", "b": "z"},
		{"a": "2", "b": "x"},
		{"a": "2", "b": "y"},
		{"a": "2", "b": "z"},
	}, branches)
}

func TestParallelChain_ExpandBranches_EmptyList(t *testing.T) {
	pc, _ := newParallelTestChain(t, ParallelConfig{})

	branches, err := pc.ExpandBranches(Inputs{"a": []string{}, "b": "z"})
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestParallelChain_ExpandBranches_MissingVariable(t *testing.T) {
	pc, _ := newParallelTestChain(t, ParallelConfig{})

	_, err := pc.ExpandBranches(Inputs{"a": "x"})
	require.Error(t, err)
	assert.True(t, sdkerrors.IsMissingVariable(err))
	assert.Contains(t, err.Error(), "b")
}

func TestParallelChain_ExpandBranches_InvalidType(t *testing.T) {
	pc, _ := newParallelTestChain(t, ParallelConfig{})

	_, err := pc.ExpandBranches(Inputs{"a": 7, "b": "z"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
}

func TestParallelChain_ExpandBranches_InputParser(t *testing.T) {
	pc, _ := newParallelTestChain(t, ParallelConfig{InputParser: parsers.TrimInputs})

	branches, err := pc.ExpandBranches(Inputs{"a": []string{"  x ", "y"}, "b": "z"})
	require.NoError(t, err)
	assert.Equal(t, []Branch{
		{"a": "x", "b": "z"},
		{"a": "y", "b": "z"},
	}, branches)
}

func TestParallelChain_ExpandBranches_InputParserSkipsScalars(t *testing.T) {
	calls := 0
	parser := parsers.Input(func(values []string) ([]string, error) {
		calls++
		return values, nil
	})
	pc, _ := newParallelTestChain(t, ParallelConfig{InputParser: parser})

	_, err := pc.ExpandBranches(Inputs{"a": "x", "b": "z"})
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "scalar entries never pass through the input parser")
}

func TestParallelChain_ExpandBranches_InputParserError(t *testing.T) {
	parser := parsers.Input(func([]string) ([]string, error) {
		return nil, errors.New("bad list")
	})
	pc, _ := newParallelTestChain(t, ParallelConfig{InputParser: parser})

	_, err := pc.ExpandBranches(Inputs{"a": []string{"x"}, "b": "z"})
	require.Error(t, err)
	assert.True(t, sdkerrors.IsParser(err))
}

func TestParallelChain_Call_SingleBranch(t *testing.T) {
	pc, gen := newParallelTestChain(t, ParallelConfig{})

	out, err := pc.Call(context.Background(), Inputs{"a": "x", "b": "y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo: Pair x with y."}, out[DefaultOutputKey])
	assert.Equal(t, 1, gen.callCount())
}

func TestParallelChain_Call_FanOut(t *testing.T) {
	pc, gen := newParallelTestChain(t, ParallelConfig{})

	out, err := pc.Call(context.Background(), Inputs{
		"a": []string{"1", "2"},
		"b": []string{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"echo: Pair 1 with x.",
		"echo: Pair 1 with y.",
		"echo: Pair 2 with x.",
		"echo: Pair 2 with y.",
	}, out[DefaultOutputKey])
	assert.Equal(t, 4, gen.callCount(), "one backend call per branch")
}

func TestParallelChain_Call_OrderPreservedUnderReversedCompletion(t *testing.T) {
	tmpl := prompt.MustNew("{n}", []string{"n"})

	// Later branches finish first: branch i sleeps (count-i) intervals.
	const count = 8
	gen := &fakeGenerator{respond: func(p string, _ llms.Options) []string {
		var n int
		fmt.Sscanf(p, "%d", &n)
		time.Sleep(time.Duration(count-n) * 5 * time.Millisecond)
		return []string{"result-" + p}
	}}

	pc, err := NewParallelWithConfig(tmpl, gen, ParallelConfig{MaxBranching: count})
	require.NoError(t, err)

	values := make([]string, count)
	for i := range values {
		values[i] = fmt.Sprintf("%d", i)
	}

	out, err := pc.Call(context.Background(), Inputs{"n": values})
	require.NoError(t, err)

	got, ok := out[DefaultOutputKey].([]string)
	require.True(t, ok)
	require.Len(t, got, count)
	for i := 0; i < count; i++ {
		assert.Equal(t, fmt.Sprintf("result-%d", i), got[i])
	}
}

func TestParallelChain_Call_RespectsBranchingFactor(t *testing.T) {
	tmpl := prompt.MustNew("{n}", []string{"n"})

	var active, peak int64
	gen := &fakeGenerator{respond: func(string, llms.Options) []string {
		cur := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return []string{"ok"}
	}}

	const maxBranching = 3
	pc, err := NewParallelWithConfig(tmpl, gen, ParallelConfig{MaxBranching: maxBranching})
	require.NoError(t, err)

	values := make([]string, 12)
	for i := range values {
		values[i] = fmt.Sprintf("%d", i)
	}

	_, err = pc.Call(context.Background(), Inputs{"n": values})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(maxBranching))
	assert.Equal(t, 12, gen.callCount())
}

func TestParallelChain_Call_FailFast(t *testing.T) {
	tmpl := prompt.MustNew("{n}", []string{"n"})

	var cancelled int64
	failing := llms.GeneratorFunc(func(ctx context.Context, prompts []string, _ llms.Options) ([]llms.Result, error) {
		if prompts[0] == "3" {
			return nil, errors.New("branch exploded")
		}
		select {
		case <-ctx.Done():
			atomic.AddInt64(&cancelled, 1)
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return []llms.Result{{Generations: []string{"ok"}}}, nil
		}
	})

	pc, err := NewParallelWithConfig(tmpl, failing, ParallelConfig{MaxBranching: 10})
	require.NoError(t, err)

	values := make([]string, 10)
	for i := range values {
		values[i] = fmt.Sprintf("%d", i)
	}

	start := time.Now()
	_, err = pc.Call(context.Background(), Inputs{"n": values})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, sdkerrors.IsBackend(err))
	assert.Contains(t, err.Error(), "branch 3")
	assert.Less(t, elapsed, 150*time.Millisecond, "failure should cancel branches still in flight")
	assert.Greater(t, atomic.LoadInt64(&cancelled), int64(0))
}

func TestParallelChain_Call_StopPropagated(t *testing.T) {
	pc, gen := newParallelTestChain(t, ParallelConfig{})

	_, err := pc.Call(context.Background(), Inputs{
		"a": []string{"1", "2"}, "b": "z", StopKey: []string{"\n"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, gen.callCount())
	for _, opts := range gen.opts {
		assert.Equal(t, []string{"\n"}, opts.Stop)
	}
}

func TestParallelChain_CallN_MultipleCompletions(t *testing.T) {
	pc, gen := newParallelTestChain(t, ParallelConfig{})

	out, err := pc.CallN(context.Background(), Inputs{"a": "x", "b": "y"}, 3)
	require.NoError(t, err)

	got, ok := out[DefaultOutputKey].([]string)
	require.True(t, ok)
	assert.Len(t, got, 3)
	assert.Equal(t, 3, gen.opts[0].N)
}

func TestParallelChain_CallN_ConfiguredNWins(t *testing.T) {
	pc, gen := newParallelTestChain(t, ParallelConfig{N: 2})

	out, err := pc.CallN(context.Background(), Inputs{"a": "x", "b": "y"}, 5)
	require.NoError(t, err)

	got, ok := out[DefaultOutputKey].([]string)
	require.True(t, ok)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, gen.opts[0].N)
}

func TestParallelChain_Call_OutputParserExpandsLists(t *testing.T) {
	pc, gen := newParallelTestChain(t, ParallelConfig{
		Config: Config{OutputParser: parsers.Split{Sep: ",", TrimSpace: true}},
	})
	gen.respond = func(p string, _ llms.Options) []string {
		if strings.Contains(p, "1") {
			return []string{"A, B"}
		}
		return []string{"C"}
	}

	out, err := pc.Call(context.Background(), Inputs{"a": []string{"1", "2"}, "b": "z"})
	require.NoError(t, err)

	// One raw response may expand into several elements.
	assert.Equal(t, []any{"A", "B", "C"}, out[DefaultOutputKey])
}

func TestParallelChain_Call_OutputParserMapValues(t *testing.T) {
	parser, err := parsers.NewRegex(`score: (\d+)`, []string{"score"})
	require.NoError(t, err)

	pc, gen := newParallelTestChain(t, ParallelConfig{Config: Config{OutputParser: parser}})
	gen.respond = func(p string, _ llms.Options) []string {
		if strings.Contains(p, "1") {
			return []string{"score: 80"}
		}
		return []string{"score: 95"}
	}

	out, err := pc.Call(context.Background(), Inputs{"a": []string{"1", "2"}, "b": "z"})
	require.NoError(t, err)

	got, ok := out[DefaultOutputKey].([]any)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, map[string]string{"score": "80"}, got[0])
	assert.Equal(t, map[string]string{"score": "95"}, got[1])
}

func TestParallelChain_Call_OutputParserError(t *testing.T) {
	parser := parsers.OutputFunc(func(text string) (parsers.Value, error) {
		return parsers.Value{}, fmt.Errorf("unparseable: %s", text)
	})
	pc, _ := newParallelTestChain(t, ParallelConfig{Config: Config{OutputParser: parser}})

	_, err := pc.Call(context.Background(), Inputs{"a": "x", "b": "y"})
	require.Error(t, err)
	assert.True(t, sdkerrors.IsParser(err))
}

func TestParallelChain_Call_EmptyGenerations(t *testing.T) {
	pc, gen := newParallelTestChain(t, ParallelConfig{})
	gen.respond = func(string, llms.Options) []string { return nil }

	_, err := pc.Call(context.Background(), Inputs{"a": "x", "b": "y"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrEmptyResult)
}

func TestParallelChain_Call_ObserverSeesEveryBranch(t *testing.T) {
	obs := newRecordingObserver()
	pc, _ := newParallelTestChain(t, ParallelConfig{Config: Config{Observer: obs}})

	_, err := pc.Call(context.Background(), Inputs{"a": []string{"1", "2", "3"}, "b": "z"})
	require.NoError(t, err)

	assert.Len(t, obs.prompts, 3)
	assert.Len(t, obs.responses, 3)
	assert.Len(t, obs.runIDs, 1)
}

func TestParallelChain_Call_ContextCancelled(t *testing.T) {
	tmpl := prompt.MustNew("{n}", []string{"n"})
	gen := llms.GeneratorFunc(func(ctx context.Context, _ []string, _ llms.Options) ([]llms.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	pc, err := NewParallelWithConfig(tmpl, gen, ParallelConfig{MaxBranching: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var callErr error
	go func() {
		defer wg.Done()
		_, callErr = pc.Call(ctx, Inputs{"n": []string{"1", "2", "3", "4"}})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	require.Error(t, callErr)
	assert.ErrorIs(t, callErr, context.Canceled)
}
