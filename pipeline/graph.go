package pipeline

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"
)

// Graph renders def as a Graphviz DOT digraph. Each segment becomes a
// cluster, collector groups become nested clusters with edges for their
// declared requirements, and streams are drawn as cylinders between the
// segments they connect.
func Graph(def *Definition) (string, error) {
	g := gographviz.NewGraph()
	graphName := quote(def.name)
	if err := g.SetName(graphName); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr(graphName, "rankdir", "LR"); err != nil {
		return "", err
	}

	b := &graphBuilder{g: g, root: graphName}
	for _, seg := range def.segments {
		if err := b.segment(seg); err != nil {
			return "", fmt.Errorf("render segment %d of %s: %w", seg.Index, def.name, err)
		}
	}
	return g.String(), nil
}

type graphBuilder struct {
	g    *gographviz.Graph
	root string
	// last node of the chain being drawn
	prev string
}

func quote(s string) string {
	return strconv.Quote(s)
}

func (b *graphBuilder) edge(to string) error {
	if b.prev != "" {
		if err := b.g.AddEdge(b.prev, to, true, nil); err != nil {
			return err
		}
	}
	b.prev = to
	return nil
}

func (b *graphBuilder) streamNode(stream string) (string, error) {
	id := quote("stream:" + stream)
	if b.g.IsNode(id) {
		return id, nil
	}
	return id, b.g.AddNode(b.root, id, map[string]string{
		"label": quote(stream),
		"shape": "cylinder",
	})
}

func (b *graphBuilder) segment(seg Segment) error {
	cluster := fmt.Sprintf("cluster_segment_%d", seg.Index)
	label := "entry"
	if !seg.Entry() {
		label = "resume from " + seg.Source
	}
	if err := b.g.AddSubGraph(b.root, cluster, map[string]string{
		"label": quote(label),
		"style": "dashed",
	}); err != nil {
		return err
	}

	b.prev = ""
	if !seg.Entry() {
		source, err := b.streamNode(seg.Source)
		if err != nil {
			return err
		}
		b.prev = source
	}

	for _, d := range seg.Stages {
		var err error
		switch d.kind {
		case KindShuffle:
			var id string
			if id, err = b.streamNode(d.stream); err == nil {
				err = b.edge(id)
			}
		case KindCollect:
			err = b.group(cluster, d)
		default:
			id := quote(d.name)
			attrs := map[string]string{"label": quote(d.name), "shape": "box"}
			if d.kind == KindSpawn {
				attrs["shape"] = "trapezium"
			}
			if err = b.g.AddNode(cluster, id, attrs); err == nil {
				err = b.edge(id)
			}
		}
		if err != nil {
			return fmt.Errorf("stage %s: %w", d.name, err)
		}
	}
	return nil
}

func (b *graphBuilder) group(parent string, d Descriptor) error {
	cluster := quote("cluster_group_" + d.name)
	if err := b.g.AddSubGraph(parent, cluster, map[string]string{
		"label": quote("collect " + d.name),
		"style": "rounded",
	}); err != nil {
		return err
	}

	input := quote(d.name + ".payload")
	if err := b.g.AddNode(cluster, input, map[string]string{"label": quote("payload"), "shape": "point"}); err != nil {
		return err
	}
	if err := b.edge(input); err != nil {
		return err
	}

	member := func(name string) string { return quote(d.name + "." + name) }
	for _, m := range d.group.Members {
		attrs := map[string]string{"label": quote(m.Name), "shape": "ellipse"}
		if m.Name == d.group.Terminal {
			attrs["peripheries"] = "2"
		}
		if err := b.g.AddNode(cluster, member(m.Name), attrs); err != nil {
			return err
		}
	}
	for _, m := range d.group.Members {
		if len(m.Requires) == 0 {
			if err := b.g.AddEdge(input, member(m.Name), true, map[string]string{"style": "dotted"}); err != nil {
				return err
			}
			continue
		}
		for _, req := range m.Requires {
			src := member(req)
			if req == PayloadSlot {
				src = input
			}
			if err := b.g.AddEdge(src, member(m.Name), true, nil); err != nil {
				return err
			}
		}
	}

	b.prev = member(d.group.Terminal)
	return nil
}
