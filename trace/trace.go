// Package trace records per-call events of a VM run. It plugs into the
// VM's instrumentation hook: one record before each Call and one after,
// written as JSON lines and optionally streamed to an attached viewer.
package trace

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/HayeonP/tvm-segment/log"
	"github.com/HayeonP/tvm-segment/registry"
	"github.com/HayeonP/tvm-segment/vmtypes"
)

// CallStep is one instrumentation event.
type CallStep struct {
	Func    string   `json:"func"`
	Before  bool     `json:"before"`
	Args    []string `json:"args,omitempty"`
	Ret     string   `json:"ret,omitempty"`
	Elapsed int64    `json:"elapsedNs,omitempty"`
}

// Recorder turns instrumentation callbacks into CallStep records.
type Recorder struct {
	mu     sync.Mutex
	wr     io.Writer
	viewer *Viewer

	// start of the pending before-call, keyed by function name; calls
	// nest but never interleave within one VM.
	starts []callStart
}

type callStart struct {
	name string
	at   time.Time
}

func NewRecorder(wr io.Writer) *Recorder {
	return &Recorder{wr: wr}
}

// SetViewer attaches a live viewer; records are mirrored to it.
func (r *Recorder) SetViewer(v *Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewer = v
}

// Hook returns the packed function to install with set_instrument. The
// hook always replies NoOp.
func (r *Recorder) Hook() vmtypes.PackedFunc {
	return func(args []vmtypes.Value) (vmtypes.Value, error) {
		// args: func, func_name, before, ret, call args...
		if len(args) < 4 {
			return vmtypes.IntValue(0), nil
		}
		step := CallStep{
			Func:   args[1].Str(),
			Before: args[2].Bool(),
		}
		for _, a := range args[4:] {
			step.Args = append(step.Args, a.String())
		}
		if step.Before {
			r.mu.Lock()
			r.starts = append(r.starts, callStart{name: step.Func, at: time.Now()})
			r.mu.Unlock()
		} else {
			step.Ret = args[3].String()
			r.mu.Lock()
			if n := len(r.starts); n > 0 && r.starts[n-1].name == step.Func {
				step.Elapsed = time.Since(r.starts[n-1].at).Nanoseconds()
				r.starts = r.starts[:n-1]
			}
			r.mu.Unlock()
		}
		r.emit(step)
		return vmtypes.IntValue(0), nil
	}
}

func (r *Recorder) emit(step CallStep) {
	data, err := json.Marshal(step)
	if err != nil {
		log.Error(log.TraceMonitoring, "failed to marshal trace step", "err", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wr != nil {
		r.wr.Write(append(data, '\n'))
	}
	if r.viewer != nil {
		r.viewer.Push(data)
	}
}

// RegisterFactory installs the "vm.trace.jsonl" instrument factory in the
// function registry, so set_instrument can be called with the factory name.
// The factory writes to wr.
func RegisterFactory(wr io.Writer) {
	registry.Register("vm.trace.jsonl", func(args []vmtypes.Value) (vmtypes.Value, error) {
		rec := NewRecorder(wr)
		return vmtypes.FuncValue(rec.Hook()), nil
	})
}
