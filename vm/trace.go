package vm

import (
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("lem.vm")

// Event describes one executed instruction.
type Event struct {
	Step     int    // 1-based count of instructions executed so far
	PC       int    // Offset of the opcode byte
	Op       Opcode //
	Args     []byte // Operand bytes
	Parallel bool   // Executed as a task inside a parallel region
}

// Tracer observes instruction execution. Trace is called from the run loop
// goroutine only, in program order, before the instruction takes effect.
type Tracer interface {
	Trace(Event)
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(Event)

func (f TracerFunc) Trace(e Event) {
	f(e)
}

// LogTracer writes each event to a commonlog logger at debug level.
type LogTracer struct {
	Log commonlog.Logger
}

// NewLogTracer returns a LogTracer on the lem.vm logger.
func NewLogTracer() *LogTracer {
	return &LogTracer{Log: log}
}

func (t *LogTracer) Trace(e Event) {
	in := Instruction{PC: e.PC, Op: e.Op, Args: e.Args}
	if e.Parallel {
		t.Log.Debugf("%6d  %04d  | %s", e.Step, e.PC, in)
		return
	}
	t.Log.Debugf("%6d  %04d  %s", e.Step, e.PC, in)
}

// multiTracer fans events out to several tracers.
type multiTracer []Tracer

func (m multiTracer) Trace(e Event) {
	for _, t := range m {
		t.Trace(e)
	}
}
