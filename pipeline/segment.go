package pipeline

import "slices"

// Segment is the part of a definition that runs in one invocation. The
// entry segment has no Source; every other segment is triggered by
// consuming its Source stream. A segment with a Target ends by publishing
// to it.
type Segment struct {
	Index  int
	Source string
	Target string
	Stages []Descriptor
}

// Entry reports whether the segment is started by a request rather than a stream
func (s Segment) Entry() bool {
	return s.Source == ""
}

// split cuts stages after every shuffle. A trailing shuffle publishes to a
// stream outside the pipeline and opens no segment.
func split(stages []Descriptor) []Segment {
	var segments []Segment
	current := Segment{}
	for _, d := range stages {
		current.Stages = append(current.Stages, d)
		if d.kind != KindShuffle {
			continue
		}
		current.Target = d.stream
		current.Index = len(segments)
		segments = append(segments, current)
		current = Segment{Source: d.stream}
	}
	if len(current.Stages) > 0 || len(segments) == 0 {
		current.Index = len(segments)
		segments = append(segments, current)
	}
	return segments
}

// Segments returns the definition split at its shuffles
func (def *Definition) Segments() []Segment {
	out := make([]Segment, len(def.segments))
	for i, s := range def.segments {
		s.Stages = slices.Clone(s.Stages)
		out[i] = s
	}
	return out
}

// SourceStreams returns the streams that resume this pipeline, in order
func (def *Definition) SourceStreams() []string {
	var streams []string
	for _, s := range def.segments {
		if !s.Entry() {
			streams = append(streams, s.Source)
		}
	}
	return streams
}

// segmentFor returns the segment consuming stream
func (def *Definition) segmentFor(stream string) (Segment, bool) {
	for _, s := range def.segments {
		if !s.Entry() && s.Source == stream {
			return s, true
		}
	}
	return Segment{}, false
}
