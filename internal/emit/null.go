package emit

// NullEmitter discards all events.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter as a no-op.
func (n *NullEmitter) Emit(Event) {}
