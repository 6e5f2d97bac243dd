package replay

import "errors"

// ErrInvalidOrdering is returned when samples are not in timestamp order.
var ErrInvalidOrdering = errors.New("samples are not in deterministic order")
