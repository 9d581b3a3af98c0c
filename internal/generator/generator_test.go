package generator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeweave/internal/store"
)

type fakeCompleter struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
	delay   time.Duration
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(ctx context.Context, _, prompt string) (string, error) {
	f.mu.Lock()
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Sure! Here it is: {\"a\":{\"b\":2}} hope that helps", `{"a":{"b":2}}`},
		{"none", "no json here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.raw))
		})
	}
}

func TestLLMGenerateEntityDetail(t *testing.T) {
	fc := &fakeCompleter{replies: []string{"```json\n{\"summary\":\"delegate from Virginia\",\"knowledge\":[\"virginia_plan\"],\"traits\":{\"temper\":\"even\"}}\n```"}}
	l := NewLLM(fc, nil)

	d, err := l.GenerateEntityDetail(context.Background(), DetailRequest{
		EntityID: "madison",
		Role:     "delegate",
		Target:   store.Dialog,
		Known:    []string{"virginia_plan"},
	})
	require.NoError(t, err)
	assert.Equal(t, "delegate from Virginia", d.Summary)
	assert.Equal(t, []string{"virginia_plan"}, d.Knowledge)
	assert.Equal(t, "even", d.Traits["temper"])
	require.Equal(t, 1, fc.calls())
	assert.Contains(t, fc.prompts[0], "virginia_plan")
	assert.Contains(t, fc.prompts[0], "dialog")
}

func TestLLMMalformedResponse(t *testing.T) {
	l := NewLLM(&fakeCompleter{replies: []string{"I cannot help with that"}}, nil)

	_, err := l.ScoreAntecedentPlausibility(context.Background(), &store.Timepoint{ID: "a"}, &store.Timepoint{ID: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneratorFailure)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "score_antecedent_plausibility", ge.Op)
}

func TestLLMClampsPlausibility(t *testing.T) {
	l := NewLLM(&fakeCompleter{replies: []string{`{"plausibility": 1.7}`}}, nil)

	p, err := l.ScoreAntecedentPlausibility(context.Background(), &store.Timepoint{ID: "a"}, &store.Timepoint{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)
}

func TestLLMProposeAntecedentsTruncates(t *testing.T) {
	reply := `{"antecedents":[
		{"event_description":"one","timestamp":"1787-05-01T00:00:00Z"},
		{"event_description":"two","timestamp":"1787-05-02T00:00:00Z"},
		{"event_description":"three","timestamp":"1787-05-03T00:00:00Z"}]}`
	l := NewLLM(&fakeCompleter{replies: []string{reply}}, nil)

	of := &store.Timepoint{ID: "tp", Timestamp: time.Date(1787, time.May, 25, 0, 0, 0, 0, time.UTC)}
	out, err := l.ProposeAntecedents(context.Background(), of, of, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "one", out[0].Description)
	assert.Equal(t, 1, out[0].Timestamp.Day())
}

func TestLLMSceneSpecificationIsValidated(t *testing.T) {
	l := NewLLM(&fakeCompleter{replies: []string{`{"title":"empty","timepoints":[]}`}}, nil)

	_, err := l.GenerateSceneSpecification(context.Background(), "a quiet evening", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneratorFailure)
}

func fastRetry(attempts int) ResilientConfig {
	return ResilientConfig{
		Retry: RetryConfig{
			MaxAttempts:    attempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
	}
}

func TestResilientRetriesUntilSuccess(t *testing.T) {
	fc := &fakeCompleter{
		errs:    []error{errors.New("503"), errors.New("503")},
		replies: []string{"", "", `{"plausibility": 0.4}`},
	}
	r := NewResilient(NewLLM(fc, nil), fastRetry(3), nil)

	p, err := r.ScoreAntecedentPlausibility(context.Background(), &store.Timepoint{ID: "a"}, &store.Timepoint{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 0.4, p)
	assert.Equal(t, 3, fc.calls())
}

func TestResilientGivesUp(t *testing.T) {
	boom := errors.New("connection reset")
	fc := &fakeCompleter{errs: []error{boom, boom, boom, boom}, replies: []string{""}}
	r := NewResilient(NewLLM(fc, nil), fastRetry(2), nil)

	_, err := r.GenerateEntityDetail(context.Background(), DetailRequest{EntityID: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneratorFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, fc.calls())
}

func TestResilientAttemptTimeout(t *testing.T) {
	fc := &fakeCompleter{delay: time.Second, replies: []string{`{"plausibility": 0.9}`}}
	cfg := fastRetry(1)
	cfg.Timeout = 10 * time.Millisecond
	r := NewResilient(NewLLM(fc, nil), cfg, nil)

	start := time.Now()
	_, err := r.ScoreAntecedentPlausibility(context.Background(), &store.Timepoint{ID: "a"}, &store.Timepoint{ID: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneratorFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestResilientStopsOnCancel(t *testing.T) {
	fc := &fakeCompleter{errs: []error{errors.New("flaky")}, replies: []string{""}}
	cfg := fastRetry(5)
	cfg.Retry.InitialBackoff = time.Hour
	cfg.Retry.MaxBackoff = time.Hour
	r := NewResilient(NewLLM(fc, nil), cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.ScoreAntecedentPlausibility(ctx, &store.Timepoint{ID: "a"}, &store.Timepoint{ID: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneratorFailure)
	assert.Equal(t, 1, fc.calls())
}

func TestResilientBackOffFollowsRetryConfig(t *testing.T) {
	cfg := fastRetry(4)
	cfg.Retry.InitialBackoff = 20 * time.Millisecond
	cfg.Retry.MaxBackoff = time.Millisecond
	r := NewResilient(NewLLM(&fakeCompleter{}, nil), cfg, nil)

	b := r.backOff()
	assert.Equal(t, 20*time.Millisecond, b.InitialInterval)
	assert.Equal(t, 20*time.Millisecond, b.MaxInterval, "the ceiling never undercuts the first wait")
	assert.Equal(t, 2.0, b.Multiplier)
	assert.Zero(t, b.RandomizationFactor)
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
}

func TestResilientLimiterCancelIsNotRetried(t *testing.T) {
	fc := &fakeCompleter{replies: []string{`{"plausibility": 0.9}`}}
	cfg := fastRetry(5)
	cfg.RequestsPerSecond = 0.001
	r := NewResilient(NewLLM(fc, nil), cfg, nil)
	// spend the only burst token
	_, err := r.ScoreAntecedentPlausibility(context.Background(), &store.Timepoint{ID: "a"}, &store.Timepoint{ID: "b"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.ScoreAntecedentPlausibility(ctx, &store.Timepoint{ID: "a"}, &store.Timepoint{ID: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneratorFailure)
	assert.Equal(t, 1, fc.calls())
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "carrier-pigeon"}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "carrier-pigeon"))
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: ProviderOpenAI}, nil)
	require.Error(t, err)
}
