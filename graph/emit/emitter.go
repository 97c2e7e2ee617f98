package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use: parallel branches emit
// from their own goroutines. Emit must not block the workflow and must not
// panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an emitter that forwards to every non-nil emitter.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards event to every wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
