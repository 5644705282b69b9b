package taint

import (
	glog "github.com/zboralski/efitaint/internal/log"
	"go.uber.org/zap"
)

// Reporter turns a tainted sink write into a diagnostic and a LeakError.
type Reporter struct {
	store      *Store
	log        *glog.Logger
	violations []*LeakError
}

// NewReporter creates a reporter reading tainted sub-ranges from store.
func NewReporter(store *Store, log *glog.Logger) *Reporter {
	return &Reporter{store: store, log: log}
}

// Report records a leak of [addr, addr+n) through call c and returns it as an
// error. The caller is expected to fault the session with it.
func (r *Reporter) Report(c *Call, addr, n uint64) error {
	leak := &LeakError{
		Call:    *c,
		Buffer:  Range{Addr: addr, Len: n},
		Tainted: r.store.TaintedRanges(addr, n),
	}
	leak.Call.Params = append([]Param(nil), c.Params...)
	r.violations = append(r.violations, leak)

	fields := []zap.Field{
		glog.API(c.label()),
		glog.Addr(c.Addr),
		glog.Range(addr, n),
		zap.String("call", c.String()),
	}
	for _, t := range leak.Tainted {
		fields = append(fields, zap.Stringer("tainted", t))
	}
	r.log.Error("***")
	r.log.Error("detected potential info leak", fields...)
	r.log.Error("***")
	r.log.Trace(c.Addr, "leak", c.label(), leak.Error())
	return leak
}

// Violations returns every reported leak in order.
func (r *Reporter) Violations() []*LeakError {
	return append([]*LeakError(nil), r.violations...)
}
