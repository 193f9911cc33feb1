// Package lang defines the calling contract between the connection layer
// and the scripting-language interpreter that hosts it. The connection
// layer never inspects interpreter values; it stores them, passes them
// back, or drops them.
package lang

// Value is an opaque interpreter value: an object reference, a closure,
// a string, whatever the interpreter hands us.
type Value any

// Interp is what the connection layer needs from the interpreter.
type Interp interface {
	// Evaluate calls the callback value cb with args and returns its
	// result. Callbacks whose owning object has been destroyed must be
	// treated as cancelled by the implementation, not invoked.
	Evaluate(cb Value, args ...Value) (Value, error)

	// Authorize asks the policy layer whether event may proceed.
	Authorize(event string, args ...Value) bool

	// Destroy notifies the interpreter that owner's connection is gone.
	Destroy(owner Value)
}

// Authorization event names passed to Interp.Authorize.
const (
	AuthSnoop     = "snoop"
	AuthSendErq   = "send_erq"
	AuthAttachErq = "attach_erq_demon"
)

// NopInterp discards every call. Useful for tests and for running the
// connection layer without an interpreter attached.
type NopInterp struct{}

func (NopInterp) Evaluate(Value, ...Value) (Value, error) { return nil, nil }
func (NopInterp) Authorize(string, ...Value) bool         { return true }
func (NopInterp) Destroy(Value)                           {}
