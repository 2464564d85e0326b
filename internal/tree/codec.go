package tree

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// document is the YAML form of a node:
//
//	question: Does it fly?
//	yes:
//	  item: eagle
//	no:
//	  item: dog
type document struct {
	Question string    `yaml:"question,omitempty"`
	Item     string    `yaml:"item,omitempty"`
	Yes      *document `yaml:"yes,omitempty"`
	No       *document `yaml:"no,omitempty"`
}

// Decode reads a YAML tree and validates it.
func Decode(r io.Reader) (*Node, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}

	root, err := fromDocument(&doc, nil)
	if err != nil {
		return nil, err
	}

	return root, Validate(root)
}

func fromDocument(d *document, at Path) (*Node, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: missing child at %q", ErrInvalidTree, at)
	}

	switch {
	case d.Question != "" && d.Item != "":
		return nil, fmt.Errorf("%w: node at %q has both question and item", ErrInvalidTree, at)
	case d.Item != "":
		if d.Yes != nil || d.No != nil {
			return nil, fmt.Errorf("%w: item %q at %q has children", ErrInvalidTree, d.Item, at)
		}
		return NewItem(d.Item), nil
	case d.Question != "":
		yes, err := fromDocument(d.Yes, at.Append(true))
		if err != nil {
			return nil, err
		}
		no, err := fromDocument(d.No, at.Append(false))
		if err != nil {
			return nil, err
		}
		return NewQuestion(d.Question, yes, no), nil
	}

	return nil, fmt.Errorf("%w: node at %q has neither question nor item", ErrInvalidTree, at)
}

func toDocument(n *Node) *document {
	if !n.IsQuestion() {
		return &document{Item: n.text}
	}

	return &document{
		Question: n.text,
		Yes:      toDocument(n.yes),
		No:       toDocument(n.no),
	}
}

func Encode(w io.Writer, root *Node) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(toDocument(root)); err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}

	return enc.Close()
}
