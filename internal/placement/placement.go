// Package placement reads the binary placement tree. The tree itself is
// maintained by registration; this package only answers "who is above
// whom, on which side" and "who is active".
package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/pv-engine/internal/model"
)

// ErrUnknownUser is returned for a user not present in the tree.
var ErrUnknownUser = fmt.Errorf("%w: unknown user", model.ErrNotFound)

// ErrCycle is returned when a parent chain loops back on itself.
var ErrCycle = errors.New("placement: cycle in parent chain")

// Ancestor is one hop up the placement chain. Side is the leg of the
// ancestor under which the starting user sits; Level is the distance (1 =
// direct parent).
type Ancestor struct {
	UserID string     `json:"user_id"`
	Side   model.Side `json:"side"`
	Level  int        `json:"level"`
}

// Tree resolves placement chains.
type Tree interface {
	// Ancestors walks up from userID, nearest first. maxDepth <= 0 walks
	// to the root.
	Ancestors(ctx context.Context, userID string, maxDepth int) ([]Ancestor, error)
}

// Directory lists members eligible for settlement.
type Directory interface {
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// Member is one node of the tree.
type Member struct {
	UserID   string
	ParentID string // empty for the root
	Side     model.Side
	Active   bool
}

// MapTree is an in-memory Tree and Directory. Used for testing and
// development.
type MapTree struct {
	mu      sync.RWMutex
	members map[string]Member
}

func NewMapTree(members ...Member) *MapTree {
	t := &MapTree{members: make(map[string]Member, len(members))}
	for _, m := range members {
		t.members[m.UserID] = m
	}
	return t
}

// Place adds or replaces a member.
func (t *MapTree) Place(m Member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members[m.UserID] = m
}

func (t *MapTree) Ancestors(_ context.Context, userID string, maxDepth int) ([]Ancestor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur, ok := t.members[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	var chain []Ancestor
	seen := map[string]bool{userID: true}
	for level := 1; cur.ParentID != ""; level++ {
		if maxDepth > 0 && level > maxDepth {
			break
		}
		if seen[cur.ParentID] {
			return nil, fmt.Errorf("%w at %s", ErrCycle, cur.ParentID)
		}
		seen[cur.ParentID] = true
		chain = append(chain, Ancestor{UserID: cur.ParentID, Side: cur.Side, Level: level})

		parent, ok := t.members[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	return chain, nil
}

func (t *MapTree) ActiveUserIDs(_ context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, m := range t.members {
		if m.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
