package noise

import "errors"

// Errors reported by the perturbation pipeline. Callers match them with errors.Is;
// the returned errors carry the offending values as wrapped context.
var (
	// ErrInvalidDimension is returned at construction for non-positive grid sizes,
	// cell sizes, a negative cutoff or an unusable SOAR lengthscale.
	ErrInvalidDimension = errors.New("noise: invalid dimension")

	// ErrAllocation is returned when seed or random-field storage cannot be reserved.
	ErrAllocation = errors.New("noise: allocation failed")

	// ErrShapeMismatch is returned when a state buffer or seed grid does not match
	// the configured geometry. Nothing is mutated when it is returned.
	ErrShapeMismatch = errors.New("noise: shape mismatch")

	// ErrNumericDomain is returned when a Box-Muller input would produce NaN or Inf.
	ErrNumericDomain = errors.New("noise: numeric domain error")

	// ErrReleased is returned by any operation on a released service.
	ErrReleased = errors.New("noise: service released")
)
