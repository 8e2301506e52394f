package mihomo

import "errors"

// ErrEmptyDocument marks a source file with none of the kept sections.
// Callers skip such files instead of failing the run.
var ErrEmptyDocument = errors.New("document has no routing sections")
