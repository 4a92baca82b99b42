package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
)

type recorder struct {
	deltas    []string
	completes int
	errors    []*chaterr.Error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTextDelta: func(s string) { r.deltas = append(r.deltas, s) },
		OnComplete:  func(Usage) { r.completes++ },
		OnError:     func(e *chaterr.Error) { r.errors = append(r.errors, e) },
	}
}

func TestGuard_ExactlyOneTerminal(t *testing.T) {
	r := &recorder{}
	g := NewGuard(r.callbacks())

	g.Delta("a")
	g.Complete(Usage{})
	g.Fail(chaterr.New(chaterr.KindServerError))
	g.Complete(Usage{})
	g.Delta("late")
	g.Finish()

	assert.Equal(t, []string{"a"}, r.deltas)
	assert.Equal(t, 1, r.completes)
	assert.Empty(t, r.errors)
}

func TestGuard_FinishWithoutTerminal(t *testing.T) {
	r := &recorder{}
	g := NewGuard(r.callbacks())
	g.Delta("partial")
	g.Finish()

	assert.Equal(t, 0, r.completes)
	if assert.Len(t, r.errors, 1) {
		assert.Equal(t, chaterr.KindNetworkInterrupted, r.errors[0].Kind)
	}
	assert.True(t, g.Done())
}

func TestGuard_SkipsEmptyDeltas(t *testing.T) {
	r := &recorder{}
	g := NewGuard(r.callbacks())
	g.Delta("")
	g.Delta("x")
	assert.Equal(t, []string{"x"}, r.deltas)
}

func TestMaxTokens(t *testing.T) {
	assert.Equal(t, DefaultMaxTokens, MaxTokens(&Request{}))
	assert.Equal(t, 77, MaxTokens(&Request{MaxTokens: 77}))
}
