package lending

import "github.com/ethereum/go-ethereum/common"

// accountSet is a dense array of accounts with an index map, giving O(1)
// insert and removal via swap-with-last. Both the at-risk registry and the
// liquidatable-position registry are built on it so system-wide scans touch
// only the accounts near the boundary instead of every account.
type accountSet struct {
	items []common.Address
	index map[common.Address]int
}

func newAccountSet() *accountSet {
	return &accountSet{index: make(map[common.Address]int)}
}

func (s *accountSet) Contains(account common.Address) bool {
	_, ok := s.index[account]
	return ok
}

func (s *accountSet) Add(account common.Address) bool {
	if _, ok := s.index[account]; ok {
		return false
	}
	s.index[account] = len(s.items)
	s.items = append(s.items, account)
	return true
}

func (s *accountSet) Remove(account common.Address) bool {
	pos, ok := s.index[account]
	if !ok {
		return false
	}
	last := len(s.items) - 1
	if pos != last {
		moved := s.items[last]
		s.items[pos] = moved
		s.index[moved] = pos
	}
	s.items = s.items[:last]
	delete(s.index, account)
	return true
}

func (s *accountSet) Len() int { return len(s.items) }

// Page returns a copy of the members in [offset, offset+limit). Ordering is
// insertion order perturbed by removals, which is acceptable for keeper
// pagination.
func (s *accountSet) Page(offset, limit int) []common.Address {
	if offset < 0 || offset >= len(s.items) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(s.items) {
		end = len(s.items)
	}
	out := make([]common.Address, end-offset)
	copy(out, s.items[offset:end])
	return out
}

// All returns a copy of the full membership.
func (s *accountSet) All() []common.Address {
	out := make([]common.Address, len(s.items))
	copy(out, s.items)
	return out
}
