// Package convert folds V8 inspector profiling snapshots into collapsed
// stack format ("frame;frame;frame weight"), the format the ingest endpoint
// accepts as format=folded.
package convert

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pyroscope-io/nodespy/pkg/inspector"
)

const (
	rootFrameName      = "(root)"
	idleFrameName      = "(idle)"
	anonymousFrameName = "(anonymous)"

	// URL the runtime assigns to profiler-overhead frames.
	inspectorFrameURL = "node:inspector"

	fileScheme = "file://"
)

// isRootFrame reports whether f terminates an upward stack walk. The root
// frame itself never appears in output.
func isRootFrame(f inspector.CallFrame) bool {
	return f.FunctionName == rootFrameName
}

// isSkipFrame reports whether f is omitted from output while traversal
// continues through it. keepIdle retains (idle) frames, used by wall-time
// weighting where idle time must stay attributable.
func isSkipFrame(f inspector.CallFrame, keepIdle bool) bool {
	if f.URL == inspectorFrameURL {
		return true
	}
	return !keepIdle && f.FunctionName == idleFrameName
}

// frameLabel renders a call frame as a folded-stack frame label. Urls are
// shortened to their last two path segments so absolute build paths don't
// explode the dictionary.
func frameLabel(f inspector.CallFrame) string {
	name := f.FunctionName
	if strings.TrimFunc(name, unicode.IsSpace) == "" {
		name = anonymousFrameName
	}
	if f.URL == "" {
		return name
	}
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('(')
	sb.WriteString(shortURL(f.URL))
	if f.LineNumber >= 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(f.LineNumber))
	}
	sb.WriteByte(')')
	return sb.String()
}

func shortURL(url string) string {
	url = strings.TrimPrefix(url, fileScheme)
	parts := strings.Split(url, "/")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return strings.Join(parts, "/")
}
