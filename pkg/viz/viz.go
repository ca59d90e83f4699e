// Package viz renders the change history of a document snapshot as a
// graphviz DAG. Each node is one change, labelled with its hash, the
// actor that produced it, and the text content at that point in the
// history. Useful for inspecting how a document converged.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/codeshare/collab/pkg/document"
)

const maxLabelRunes = 32

// RenderHistorySVG loads a document snapshot and writes its change DAG
// to w as SVG.
func RenderHistorySVG(snapshot []byte, w io.Writer) error {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		text, err := docAt.Path(document.ContentKey).Text().Get()
		if err != nil {
			text = ""
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %q", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), truncate(text)))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), nodeMap[hash.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// RenderHistoryFile renders the change DAG of a snapshot to an SVG file.
func RenderHistoryFile(snapshot []byte, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	return RenderHistorySVG(snapshot, f)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxLabelRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLabelRunes]) + "…"
}
