package dict

import (
	"context"

	"github.com/stanstork/stratum-fabric/internal/fabricerr"
)

// Pool bounds concurrent dictionary reads. Connection reuse is explicit:
// callers acquire before use and must release on every exit path.
type Pool struct {
	slots chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{slots: make(chan struct{}, size)}
}

func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fabricerr.Wrap(fabricerr.KindCancelled, ctx.Err(), "dictionary pool acquire")
	}
}

func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
		// release without acquire is a caller bug; tolerate it
	}
}

// InUse reports the number of held slots.
func (p *Pool) InUse() int { return len(p.slots) }
