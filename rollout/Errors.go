package rollout

import "errors"

// BufferError implements errors unique to a rollout buffer.
type BufferError struct {
	Op  string
	Err error
}

// Error satisfies the error interface
func (e *BufferError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

var errFull error = errors.New("buffer at capacity")

var errNotFull = errors.New("buffer must be full before sampling")

var errAlreadySampling = errors.New("buffer already prepared for sampling")

// IsFull returns whether or not an error reports that a transition
// was added to a buffer that had already reached capacity. A full
// buffer must be Reset before it can accept new transitions.
func IsFull(err error) bool {
	if bufErr, ok := err.(*BufferError); ok {
		err = bufErr.Err
	}
	return err == errFull
}

// IsNotFull returns whether or not an error reports that a buffer was
// sampled before being filled to capacity.
func IsNotFull(err error) bool {
	if bufErr, ok := err.(*BufferError); ok {
		err = bufErr.Err
	}
	return err == errNotFull
}

// IsAlreadySampling returns whether or not an error reports that an
// operation requiring the filling phase was attempted after the
// buffer's storage had already been flattened for sampling.
func IsAlreadySampling(err error) bool {
	if bufErr, ok := err.(*BufferError); ok {
		err = bufErr.Err
	}
	return err == errAlreadySampling
}
