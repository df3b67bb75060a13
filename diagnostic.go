package devbridge

import "sync"

// stepOutcome is the recorded outcome of a diagnostic step.
type stepOutcome string

const (
	outcomeInProgress stepOutcome = "in_progress"
	outcomeSuccess    stepOutcome = "success"
	outcomeFailed     stepOutcome = "failed"
)

// maxLogBufferBytes bounds the human-readable trace buffer (spec.md §4.8).
const maxLogBufferBytes = 4096

const truncationMarker = "\n...[truncated]...\n"

// stateEntry is one named step in the DiagnosticState, in first-insertion
// order.
type stateEntry struct {
	name    string
	outcome stepOutcome
}

// DiagnosticState accumulates an ordered, append-only log of named steps
// and their outcomes, for UI rendering or troubleshooting. It implements
// spec.md §4.8 and §3's "DiagnosticState" data model.
type DiagnosticState struct {
	mu       sync.Mutex
	order    []string
	byName   map[string]*stateEntry
	log      []byte
	onUpdate func()
}

// NewDiagnosticState returns an empty DiagnosticState.
func NewDiagnosticState() *DiagnosticState {
	return &DiagnosticState{byName: make(map[string]*stateEntry)}
}

// SetUpdateListener installs a callback invoked whenever the state
// changes. The internal lock is released before the listener is invoked,
// so the listener may safely call back into DiagnosticState (spec.md
// §4.8).
func (d *DiagnosticState) SetUpdateListener(fn func()) {
	d.mu.Lock()
	d.onUpdate = fn
	d.mu.Unlock()
}

func (d *DiagnosticState) notify() {
	d.mu.Lock()
	fn := d.onUpdate
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *DiagnosticState) appendLog(line string) {
	d.log = append(d.log, []byte(line+"\n")...)
	if len(d.log) > maxLogBufferBytes {
		keep := maxLogBufferBytes - len(truncationMarker)
		if keep < 0 {
			keep = 0
		}
		d.log = append([]byte(truncationMarker), d.log[len(d.log)-keep:]...)
	}
}

// Step is a handle returned by Start. Callers must eventually call
// Complete or Fail; if neither is called before the handle is dropped,
// use Abandon to make that explicit (Go has no deterministic destructor
// to do this automatically, so the caller must call it, typically via
// defer).
type Step struct {
	state    *DiagnosticState
	name     string
	resolved bool
}

// Start begins a new named step, recording it as in_progress. It returns
// a Step handle whose Complete or Fail method must eventually be called;
// if the handle is abandoned without either (e.g. a defer that runs
// before any resolution), the caller should call Abandon to record it as
// failed, matching the "destruction records failed" semantics of
// spec.md §4.8 in a language without deterministic destructors.
func (d *DiagnosticState) Start(name string) *Step {
	d.mu.Lock()
	if _, exists := d.byName[name]; !exists {
		d.order = append(d.order, name)
	}
	d.byName[name] = &stateEntry{name: name, outcome: outcomeInProgress}
	d.appendLog(name + ": in_progress")
	d.mu.Unlock()
	d.notify()
	return &Step{state: d, name: name}
}

// Complete records the step as successful.
func (s *Step) Complete() {
	if s.resolved {
		return
	}
	s.resolved = true
	s.state.setOutcome(s.name, outcomeSuccess, "")
}

// Fail records the step as failed, with an optional human-readable
// reason appended to the log buffer.
func (s *Step) Fail(reason string) {
	if s.resolved {
		return
	}
	s.resolved = true
	s.state.setOutcome(s.name, outcomeFailed, reason)
}

// Abandon records the step as failed with no reason, if it has not
// already been resolved. Call this from a defer to emulate the
// destructor-based auto-fail behavior spec.md §4.8 describes.
func (s *Step) Abandon() {
	if s.resolved {
		return
	}
	s.Fail("")
}

func (d *DiagnosticState) setOutcome(name string, outcome stepOutcome, reason string) {
	d.mu.Lock()
	if e, ok := d.byName[name]; ok {
		e.outcome = outcome
	} else {
		d.byName[name] = &stateEntry{name: name, outcome: outcome}
		d.order = append(d.order, name)
	}
	if reason != "" {
		d.appendLog(name + ": " + string(outcome) + ": " + reason)
	} else {
		d.appendLog(name + ": " + string(outcome))
	}
	d.mu.Unlock()
	d.notify()
}

// StateElement is one (name, outcome) pair as exposed to callers.
type StateElement struct {
	Name    string
	Outcome string
}

// Elements returns the ordered list of steps and their current outcome,
// in first-insertion order (spec.md §4.7 "state_elements").
func (d *DiagnosticState) Elements() []StateElement {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]StateElement, 0, len(d.order))
	for _, name := range d.order {
		e := d.byName[name]
		out = append(out, StateElement{Name: e.name, Outcome: string(e.outcome)})
	}
	return out
}

// Log returns the bounded human-readable trace buffer accumulated so far
// (spec.md §4.8, "capped log buffer for human-readable trace").
func (d *DiagnosticState) Log() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.log)
}
