/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package tree holds the knowledge tree: an immutable binary decision
// structure of questions and items, published as versioned snapshots so
// readers never block on learning.
package tree

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidState  = errors.New("current node is not a question")
	ErrDuplicateItem = errors.New("item already exists")
	ErrNoSuchPath    = errors.New("path does not resolve to a node")
	ErrInvalidTree   = errors.New("invalid tree")
)

type Kind uint8

const (
	KindItem Kind = iota
	KindQuestion
)

func (k Kind) String() string {
	switch k {
	case KindItem:
		return "item"
	case KindQuestion:
		return "question"
	}
	return "unknown"
}

// Node is never modified once built. Learning replaces nodes instead.
type Node struct {
	kind Kind
	text string
	yes  *Node
	no   *Node
}

func NewItem(name string) *Node {
	return &Node{kind: KindItem, text: name}
}

func NewQuestion(text string, yes, no *Node) *Node {
	return &Node{kind: KindQuestion, text: text, yes: yes, no: no}
}

func (n *Node) Kind() Kind { return n.kind }

func (n *Node) IsQuestion() bool { return n.kind == KindQuestion }

// Text is the question text for questions and the item name for items.
func (n *Node) Text() string { return n.text }

func (n *Node) Yes() *Node { return n.yes }

func (n *Node) No() *Node { return n.no }

func (n *Node) Child(answer bool) *Node {
	if answer {
		return n.yes
	}
	return n.no
}

// Fold normalizes an item name for case-insensitive comparison.
func Fold(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Validate checks that every question has two children, that no text is
// empty, and that item names are unique ignoring case.
func Validate(root *Node) error {
	if root == nil {
		return fmt.Errorf("%w: empty tree", ErrInvalidTree)
	}

	seen := make(map[string]Path)

	var walk func(n *Node, at Path) error
	walk = func(n *Node, at Path) error {
		if n == nil {
			return fmt.Errorf("%w: missing child at %q", ErrInvalidTree, at.parent())
		}
		if strings.TrimSpace(n.text) == "" {
			return fmt.Errorf("%w: empty %s at %q", ErrInvalidTree, n.kind, at)
		}

		if !n.IsQuestion() {
			key := Fold(n.text)
			if prev, ok := seen[key]; ok {
				return fmt.Errorf("%w: %q at %q and %q", ErrDuplicateItem, n.text, prev, at)
			}
			seen[key] = at

			return nil
		}

		if err := walk(n.yes, at.Append(true)); err != nil {
			return err
		}

		return walk(n.no, at.Append(false))
	}

	return walk(root, nil)
}

// Equal reports whether two trees have the same shape, texts and names.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.kind != b.kind || a.text != b.text {
		return false
	}
	if !a.IsQuestion() {
		return true
	}

	return Equal(a.yes, b.yes) && Equal(a.no, b.no)
}
