package convert

import (
	"strconv"
	"strings"

	"github.com/pyroscope-io/nodespy/pkg/inspector"
)

// FoldHeap converts an allocation sampling profile into collapsed format.
// Each node with a positive self size emits one line weighted by the bytes
// allocated directly at that frame. Skipped frames do not advance the path,
// so their self size charges to the nearest visible ancestor; bytes that
// surface with an empty path are dropped.
func FoldHeap(p *inspector.SamplingHeapProfile) string {
	var sb strings.Builder
	first := true

	var visit func(n *inspector.SamplingHeapProfileNode, path []string)
	visit = func(n *inspector.SamplingHeapProfileNode, path []string) {
		if !isRootFrame(n.CallFrame) && !isSkipFrame(n.CallFrame, false) {
			path = append(path, frameLabel(n.CallFrame))
		}
		if selfSize := int64(n.SelfSize); selfSize > 0 && len(path) > 0 {
			if !first {
				sb.WriteByte('\n')
			}
			first = false
			sb.WriteString(strings.Join(path, ";"))
			sb.WriteByte(' ')
			sb.WriteString(strconv.FormatInt(selfSize, 10))
		}
		for i := range n.Children {
			visit(&n.Children[i], path)
		}
	}
	visit(&p.Head, nil)

	return sb.String()
}
