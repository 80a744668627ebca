package scheduler

import (
	"container/heap"
	"time"

	"github.com/coachpo/optexec/internal/domain/schema"
)

type kind string

const (
	kindDeferred  kind = "deferred"
	kindSquareOff kind = "auto_squareoff"
)

type entry struct {
	id      string
	kind    kind
	at      time.Time
	seq     uint64
	userID  string
	request schema.ExecutionRequest
	daily   TimeOfDay
	index   int
}

// timeline is a min-heap of entries ordered by trigger time then insertion order.
type timeline []*entry

var _ heap.Interface = (*timeline)(nil)

func (t timeline) Len() int { return len(t) }

func (t timeline) Less(i, j int) bool {
	if t[i].at.Equal(t[j].at) {
		return t[i].seq < t[j].seq
	}
	return t[i].at.Before(t[j].at)
}

func (t timeline) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}

func (t *timeline) Push(x any) {
	e := x.(*entry)
	e.index = len(*t)
	*t = append(*t, e)
}

func (t *timeline) Pop() any {
	old := *t
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*t = old[:n-1]
	return e
}

func (t timeline) peek() *entry {
	if len(t) == 0 {
		return nil
	}
	return t[0]
}
