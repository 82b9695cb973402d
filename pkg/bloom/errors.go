package bloom

import "errors"

// ErrCorruptFilter is returned when a serialized filter's declared length
// does not match its actual byte count.
var ErrCorruptFilter = errors.New("bloom: corrupt filter")
