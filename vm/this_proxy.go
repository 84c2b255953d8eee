package vm

import "sync"

// ---------------------------------------------------------------------------
// ThisProxy: two-object fallback
// ---------------------------------------------------------------------------

// ThisProxy makes an inner context appear merged with an outer one. Every
// request goes to First; a member-not-found outcome retries on Second. Both
// references are owned.
type ThisProxy struct {
	First  Object
	Second Object
}

// NewThisProxy builds a proxy. A nil first object collapses to the second.
func NewThisProxy(first, second Object) Object {
	if first == nil {
		return second
	}
	if second == nil {
		return first
	}
	return &ThisProxy{First: first, Second: second}
}

// Operate implements Object.
func (p *ThisProxy) Operate(vm *VM, req *Request) (Status, error) {
	status, err := p.First.Operate(vm, req)
	if err != nil || status != StatusMemberNotFound {
		return status, err
	}
	return p.Second.Operate(vm, req)
}

// SyncLocker implements Synchronizer with the first object's lock, if any.
func (p *ThisProxy) SyncLocker() sync.Locker {
	if s, ok := p.First.(Synchronizer); ok {
		return s.SyncLocker()
	}
	if s, ok := p.Second.(Synchronizer); ok {
		return s.SyncLocker()
	}
	return nil
}
