// ABOUTME: Converts assistant markdown to plain text for the terminal and for speech synthesis
// ABOUTME: Walks the goldmark AST instead of stripping markers with string replacement

package render

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// PlainText renders markdown as readable plain text. Lists keep their
// markers, code blocks are indented by four spaces and links show their
// destination.
func PlainText(src string) string {
	return renderText(src, false)
}

// Speech renders markdown as text suitable for reading aloud. Code blocks
// and link destinations are omitted.
func Speech(src string) string {
	return renderText(src, true)
}

type textWriter struct {
	src    []byte
	speech bool
	buf    bytes.Buffer
}

func renderText(src string, speech bool) string {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	w := &textWriter{src: source, speech: speech}
	_ = ast.Walk(doc, w.visit)
	return strings.TrimSpace(collapseBlankLines(w.buf.String()))
}

func (w *textWriter) blockBreak() {
	if w.buf.Len() == 0 {
		return
	}
	w.buf.WriteString("\n\n")
}

func (w *textWriter) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Paragraph, *ast.Heading, *ast.Blockquote:
		if entering {
			if _, inItem := n.Parent().(*ast.ListItem); !inItem || n.PreviousSibling() != nil {
				w.blockBreak()
			}
		}

	case *ast.TextBlock:
		if entering && n.PreviousSibling() != nil {
			w.buf.WriteByte('\n')
		}

	case *ast.List:
		if entering {
			if _, nested := n.Parent().(*ast.ListItem); nested {
				w.buf.WriteByte('\n')
			} else {
				w.blockBreak()
			}
		}

	case *ast.ListItem:
		if entering {
			if n.PreviousSibling() != nil {
				w.buf.WriteByte('\n')
			}
			w.buf.WriteString(strings.Repeat("  ", listDepth(n)))
			list := n.Parent().(*ast.List)
			if list.IsOrdered() {
				w.buf.WriteString(strconv.Itoa(list.Start + itemIndex(n)))
				w.buf.WriteString(". ")
			} else {
				w.buf.WriteString("- ")
			}
		}

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering && !w.speech {
			w.blockBreak()
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				w.buf.WriteString("    ")
				w.buf.Write(seg.Value(w.src))
			}
		}
		return ast.WalkSkipChildren, nil

	case *ast.ThematicBreak:
		if entering && !w.speech {
			w.blockBreak()
			w.buf.WriteString("---")
		}

	case *ast.HTMLBlock, *ast.RawHTML:
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		if entering {
			w.buf.Write(node.Segment.Value(w.src))
			switch {
			case node.HardLineBreak():
				w.buf.WriteByte('\n')
			case node.SoftLineBreak():
				w.buf.WriteByte(' ')
			}
		}

	case *ast.String:
		if entering {
			w.buf.Write(node.Value)
		}

	case *ast.AutoLink:
		if entering {
			w.buf.Write(node.Label(w.src))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Link:
		if !entering && !w.speech {
			dest := string(node.Destination)
			if dest != "" {
				w.buf.WriteString(" (")
				w.buf.WriteString(dest)
				w.buf.WriteByte(')')
			}
		}
	}
	return ast.WalkContinue, nil
}

func listDepth(n ast.Node) int {
	depth := 0
	for p := n.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.ListItem); ok {
			depth++
		}
	}
	return depth
}

func itemIndex(n ast.Node) int {
	i := 0
	for s := n.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		i++
	}
	return i
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
