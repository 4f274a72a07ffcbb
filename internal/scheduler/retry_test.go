package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestImmediateRetry(t *testing.T) {
	assert.Equal(t, time.Duration(0), ImmediateRetry{}.Delay(1))
	assert.Equal(t, time.Duration(0), ImmediateRetry{}.Delay(5))
}

func TestExponentialRetry(t *testing.T) {
	p := ExponentialRetry{Initial: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Equal(t, time.Duration(0), ExponentialRetry{}.Delay(3))
}

func TestReadyQueue(t *testing.T) {
	q := newReadyQueue()
	tasks := []*Task{
		{ID: "a", Priority: 3, index: -1},
		{ID: "b", Priority: 1, index: -1},
		{ID: "c", Priority: 3, index: -1},
		{ID: "d", Priority: 0, index: -1},
	}
	for _, task := range tasks {
		q.push(task)
	}

	assert.Equal(t, []string{"d", "b", "a", "c"}, q.ordered())
	assert.Equal(t, 4, q.len())

	assert.True(t, q.remove(tasks[1]))
	assert.False(t, q.remove(tasks[1]))

	assert.Equal(t, "d", q.pop().ID)
	a := q.pop()
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, -1, a.index)

	// A re-enqueued task goes behind its band.
	q.push(a)
	assert.Equal(t, []string{"c", "a"}, q.ordered())
}
