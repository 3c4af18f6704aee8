package tensor

import "errors"

var (
	ErrTensorNotFound   = errors.New("tensor not found")
	ErrUnsupportedDtype = errors.New("unsupported dtype")
	ErrInvalidConfig    = errors.New("invalid config")
	ErrShapeMismatch    = errors.New("shape mismatch")
	ErrInvalidInput     = errors.New("invalid input")
)
