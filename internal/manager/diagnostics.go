package manager

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ffado-go/isocore/internal/logging"
)

// diagSample is one observed (cycle, disposition, fill) triple from a
// child stream processor, captured purely for post-mortem inspection.
type diagSample struct {
	Stream      string `yaml:"stream"`
	Cycle       uint32 `yaml:"cycle"`
	Disposition string `yaml:"disposition"`
	Fill        int    `yaml:"fill"`
}

// diagRing is a fixed-capacity ring of the most recent samples across
// every child, restoring the debugOutput-style xrun tracing the
// distilled spec's single-line error table dropped.
type diagRing struct {
	buf  []diagSample
	next int
	full bool
}

func newDiagRing(capacity int) *diagRing {
	return &diagRing{buf: make([]diagSample, capacity)}
}

func (r *diagRing) push(s diagSample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *diagRing) snapshot() []diagSample {
	if !r.full {
		out := make([]diagSample, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]diagSample, len(r.buf))
	copy(out, r.buf[r.next:])
	copy(out[len(r.buf)-r.next:], r.buf[:r.next])
	return out
}

// diagDump is the document written to disk on an XRun cascade: purely a
// point-in-time diagnostic, never read back (no persisted state).
type diagDump struct {
	XRunCount uint64       `yaml:"xrun_count"`
	Samples   []diagSample `yaml:"samples"`
}

// writeDiagnostics formats pattern via strftime against now and writes
// the current ring contents as YAML, logging but not failing the
// recovery path if the write itself fails.
func writeDiagnostics(log *logging.Logger, pattern string, now time.Time, xrunCount uint64, ring *diagRing) {
	name, err := logging.DiagnosticFilename(pattern, now)
	if err != nil {
		log.Warnf("manager: diagnostic filename: %v", err)
		return
	}
	dump := diagDump{XRunCount: xrunCount, Samples: ring.snapshot()}
	data, err := yaml.Marshal(dump)
	if err != nil {
		log.Warnf("manager: marshalling diagnostics: %v", err)
		return
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		log.Warnf("manager: writing diagnostics to %s: %v", name, err)
		return
	}
	log.Debugf("manager: wrote xrun diagnostics to %s", name)
}
