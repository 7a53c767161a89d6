package callback

import (
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/maps"

	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
)

var ErrDuplicateCorrelationID = errors.New("correlation id already registered")

// Table holds the outstanding records of a client by correlation id.
type Table struct {
	lock    sync.RWMutex
	records map[message.CorrelationID]*Record
}

func NewTable() *Table {
	return &Table{
		records: make(map[message.CorrelationID]*Record),
	}
}

func (t *Table) Register(r *Record) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.records[r.id]; ok {
		return errors.WithDetailf(ErrDuplicateCorrelationID, "%s", r.id)
	}
	r.table = t
	t.records[r.id] = r
	return nil
}

func (t *Table) Get(id message.CorrelationID) (*Record, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	r, ok := t.records[id]
	return r, ok
}

func (t *Table) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.records)
}

func (t *Table) remove(r *Record) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if current, ok := t.records[r.id]; ok && current == r {
		delete(t.records, r.id)
	}
}

func (t *Table) snapshot() []*Record {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return maps.Values(t.records)
}

// BreakOutstandingToDeadSilo fails over every request whose latest attempt
// was sent to silo. It returns how many records were notified.
func (t *Table) BreakOutstandingToDeadSilo(silo grain.SiloAddress) int {
	n := 0
	for _, r := range t.snapshot() {
		if r.Message().TargetSilo == silo {
			r.OnTargetHostFail()
			n++
		}
	}
	return n
}

// RejectAll fails every outstanding record with err.
func (t *Table) RejectAll(err error) int {
	n := 0
	for _, r := range t.snapshot() {
		if r.Fail(err) {
			n++
		}
	}
	return n
}
