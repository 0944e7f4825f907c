// internal/machine/interface.go
package machine

// Machine is one instance of a model's forward computation.
// A Machine is owned by a single goroutine; only its parameters may be
// shared with other machines.
type Machine interface {
	// Forward evaluates the model on in and writes the result to out.
	// len(in) must equal InputSize and len(out) must equal OutputSize.
	Forward(in, out []float32) error

	// InputSize is the dimensionality of the input layer.
	InputSize() int

	// OutputSize is the dimensionality of the last layer.
	OutputSize() int

	// Destroy releases the machine. It must be called exactly once.
	Destroy() error
}

// Sharer is a Machine whose parameters can back other machines.
type Sharer interface {
	Machine

	// Share creates a machine with its own working state that reuses the
	// receiver's parameters. The parameters stay alive until every
	// machine referencing them has been destroyed.
	Share() (Machine, error)
}
