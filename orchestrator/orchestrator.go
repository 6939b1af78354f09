// Package orchestrator drives a GL1 StreamAligner and its SEB StreamAligners
// through the fixed per-cycle sequence: fill every pool, reconcile each SEB
// against GL1, then emit one event per aligner. It owns no goroutines; every
// call blocks only on its aligners' synchronous I/O.
package orchestrator

import (
	"github.com/grailbio/base/log"
	"v.io/x/lib/vlog"

	"github.com/sphenix-offline/seballign/stream"
)

// Orchestrator owns one GL1 aligner and the SEB aligners reconciled against
// it. Construct with New and drive with Run or repeated calls to Cycle.
type Orchestrator struct {
	GL1  *stream.StreamAligner
	SEBs []*stream.StreamAligner

	// Verbosity gates per-cycle vlog trace lines; independent of each
	// aligner's own Verbosity field, which callers set individually.
	Verbosity int

	cycles int
}

// New builds an Orchestrator for one GL1 aligner and any number of SEB
// aligners. SEBs may be added later via AddSEB.
func New(gl1 *stream.StreamAligner, sebs ...*stream.StreamAligner) *Orchestrator {
	return &Orchestrator{GL1: gl1, SEBs: sebs}
}

// AddSEB registers another SEB aligner to be driven alongside GL1.
func (o *Orchestrator) AddSEB(s *stream.StreamAligner) {
	o.SEBs = append(o.SEBs, s)
}

// aligners returns every aligner under this orchestrator's control, GL1
// first, in the fixed order FillPool/ReadEvent are applied.
func (o *Orchestrator) aligners() []*stream.StreamAligner {
	all := make([]*stream.StreamAligner, 0, len(o.SEBs)+1)
	all = append(all, o.GL1)
	all = append(all, o.SEBs...)
	return all
}

// Done reports whether every aligner has stopped producing events, either by
// draining its input or by hitting an unrecoverable alignment problem.
func (o *Orchestrator) Done() bool {
	for _, s := range o.aligners() {
		if !s.AllDone && !s.EventAlignmentProblem {
			return false
		}
	}
	return true
}

// Cycle runs one fill/reconcile/emit pass: FillPool on every aligner, then
// Reconcile on every SEB against GL1, then one ReadEvent per aligner. It
// returns false once every aligner is done; the caller should stop calling
// Cycle at that point.
func (o *Orchestrator) Cycle() (bool, error) {
	o.cycles++
	if o.Verbosity > 0 {
		vlog.VI(1).Infof("orchestrator: cycle %d", o.cycles)
	}

	for _, s := range o.aligners() {
		if err := s.FillPool(); err != nil {
			return false, err
		}
	}

	for _, seb := range o.SEBs {
		if err := seb.Reconcile(o.GL1); err != nil {
			return false, err
		}
		if seb.EventAlignmentProblem {
			log.Error.Printf("orchestrator: %s lost alignment with %s", seb.Name, o.GL1.Name)
		}
	}

	any := false
	for _, s := range o.aligners() {
		if s.AllDone || s.EventAlignmentProblem {
			continue
		}
		ok, err := s.ReadEvent()
		if err != nil {
			return false, err
		}
		if ok {
			any = true
		}
	}

	return !o.Done() && any, nil
}

// Run drives Cycle until every aligner finishes, stopping immediately if any
// Cycle call returns an error.
func (o *Orchestrator) Run() error {
	for {
		more, err := o.Cycle()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}
