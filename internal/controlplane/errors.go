package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrBadRequest     = errors.New("bad request")
	ErrAccountMissing = errors.New("account id required")
)
