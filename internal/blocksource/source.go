package blocksource

import (
	"fmt"
	"strings"
)

// windowSize is the block span covered by one object when a source uses a
// range template (two format verbs). Prebuilt payload files are laid out in
// fixed 1000-block windows.
const windowSize = 1000

// SourceSpec is one configured object-store source: a path prefix plus a
// printf-style key template of block numbers. Templates with a single verb
// format the block number directly; templates with two verbs format the
// containing window as (start, end).
type SourceSpec struct {
	ID     int64
	Name   string
	Path   string
	Format string
}

// Key builds the object key for a block number.
func (s SourceSpec) Key(blockNumber uint64) string {
	var name string
	if countVerbs(s.Format) >= 2 {
		start := blockNumber - blockNumber%windowSize
		end := start + windowSize - 1
		name = fmt.Sprintf(s.Format, start, end)
	} else {
		name = fmt.Sprintf(s.Format, blockNumber)
	}

	path := strings.Trim(s.Path, "/")
	if path == "" {
		return name
	}
	return path + "/" + name
}

// countVerbs counts printf verbs in a template, ignoring %%.
func countVerbs(format string) int {
	n := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		if i+1 < len(format) && format[i+1] == '%' {
			i++
			continue
		}
		n++
	}
	return n
}
