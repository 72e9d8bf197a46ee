package cmdutil

import (
	"encoding/json"
	"io"
)

// WriteJSON encodes v to w followed by a newline. Pretty output indents with
// two spaces for terminal use; compact output suits pipelines.
func WriteJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
