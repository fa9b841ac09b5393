package sync

import (
	"context"
	"fmt"
	"time"
)

// OpKind identifies the remote call an operation makes.
type OpKind int

// Operation kinds.
const (
	OpList OpKind = iota
	OpCreate
	OpUpdate
	OpDelete
)

var opKindNames = [...]string{
	OpList:   "list",
	OpCreate: "create",
	OpUpdate: "update",
	OpDelete: "delete",
}

func (k OpKind) String() string {
	if k < 0 || int(k) >= len(opKindNames) {
		return fmt.Sprintf("OpKind(%d)", int(k))
	}

	return opKindNames[k]
}

// ParseOpKind is the inverse of OpKind.String.
func ParseOpKind(s string) (OpKind, error) {
	for k, name := range opKindNames {
		if name == s {
			return OpKind(k), nil
		}
	}

	return 0, fmt.Errorf("sync: unknown operation kind %q", s)
}

// operation is one dispatched remote call. Completions carry the token; a
// completion whose token is no longer in the set is dropped.
type operation struct {
	token     uint64
	kind      OpKind
	recordID  int64
	cancel    context.CancelFunc
	journalID string
	started   time.Time
}

// inflightSet tracks outstanding operations. It is owned by the controller
// loop and is not safe for concurrent use.
type inflightSet struct {
	next uint64
	ops  map[uint64]*operation
}

func newInflightSet() *inflightSet {
	return &inflightSet{ops: make(map[uint64]*operation)}
}

// add registers a new operation under a fresh token.
func (s *inflightSet) add(kind OpKind, recordID int64, cancel context.CancelFunc, now time.Time) *operation {
	s.next++

	op := &operation{
		token:    s.next,
		kind:     kind,
		recordID: recordID,
		cancel:   cancel,
		started:  now,
	}
	s.ops[op.token] = op

	return op
}

// take removes and returns the operation for token. ok is false when the
// operation was already canceled.
func (s *inflightSet) take(token uint64) (*operation, bool) {
	op, ok := s.ops[token]
	if ok {
		delete(s.ops, token)
	}

	return op, ok
}

// cancelAll cancels every operation, empties the set and returns what was
// canceled.
func (s *inflightSet) cancelAll() []*operation {
	canceled := make([]*operation, 0, len(s.ops))
	for token, op := range s.ops {
		op.cancel()
		canceled = append(canceled, op)
		delete(s.ops, token)
	}

	return canceled
}

func (s *inflightSet) len() int {
	return len(s.ops)
}
