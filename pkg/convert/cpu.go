package convert

import (
	"math"
	"strconv"
	"strings"

	"github.com/pyroscope-io/nodespy/pkg/inspector"
)

// DefaultSampleRate is reported when a profile carries no usable timing
// information.
const DefaultSampleRate uint32 = 100

// maxStackDepth bounds the parent-pointer walk so malformed or cyclic node
// tables cannot hang the fold.
const maxStackDepth = 512

// FoldCPU converts a CPU profile into collapsed format weighting each stack
// by its sample count. (idle) and profiler-overhead frames are dropped.
func FoldCPU(p *inspector.CPUProfile) string {
	return foldCPU(p, false)
}

// FoldCPUWall is FoldCPU weighting each stack by sampled wall time in
// microseconds. (idle) frames stay visible so wait time remains attributable.
func FoldCPUWall(p *inspector.CPUProfile) string {
	return foldCPU(p, true)
}

func foldCPU(p *inspector.CPUProfile, wallTime bool) string {
	if len(p.Samples) == 0 {
		return ""
	}
	if wallTime && len(p.TimeDeltas) == 0 {
		return ""
	}

	nodes := make(map[int]*inspector.ProfileNode, len(p.Nodes))
	parents := make(map[int]int, len(p.Nodes))
	for i := range p.Nodes {
		n := &p.Nodes[i]
		nodes[n.ID] = n
		for _, child := range n.Children {
			parents[child] = n.ID
		}
	}

	weights := make(map[string]int64)
	var labels []string
	for i, leaf := range p.Samples {
		weight := int64(1)
		if wallTime {
			if i >= len(p.TimeDeltas) {
				break
			}
			weight = p.TimeDeltas[i]
		}

		labels = labels[:0]
		id := leaf
		for depth := 0; depth < maxStackDepth; depth++ {
			n, ok := nodes[id]
			if !ok {
				break
			}
			if isRootFrame(n.CallFrame) {
				break
			}
			if !isSkipFrame(n.CallFrame, wallTime) {
				labels = append(labels, frameLabel(n.CallFrame))
			}
			parent, ok := parents[id]
			if !ok {
				break
			}
			id = parent
		}
		if len(labels) == 0 {
			// pure idle or engine-internal sample
			continue
		}
		reverse(labels)
		weights[strings.Join(labels, ";")] += weight
	}

	return renderFolded(weights)
}

// EstimateSampleRate derives the effective sample rate in Hz from the number
// of samples observed over a duration in microseconds.
func EstimateSampleRate(sampleCount int, durationMicros int64) uint32 {
	if sampleCount == 0 || durationMicros <= 0 {
		return DefaultSampleRate
	}
	return uint32(math.Round(float64(sampleCount) / float64(durationMicros) * 1e6))
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func renderFolded(weights map[string]int64) string {
	var sb strings.Builder
	first := true
	for stack, weight := range weights {
		if !first {
			sb.WriteByte('\n')
		}
		first = false
		sb.WriteString(stack)
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(weight, 10))
	}
	return sb.String()
}
