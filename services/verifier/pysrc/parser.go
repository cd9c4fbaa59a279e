// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pysrc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// ParserOption configures a Parser instance.
type ParserOption func(*Parser)

// WithMaxFileSize sets the maximum file size the parser will accept.
func WithMaxFileSize(bytes int64) ParserOption {
	return func(p *Parser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// WithLogger sets the logger used for parse warnings.
func WithLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Parser extracts structural information from Python source files.
//
// Description:
//
//	Parser uses tree-sitter to parse Python source and extract callables,
//	classes, parameter signatures, and module-level assignments. A new
//	tree-sitter parser instance is created per Parse call.
//
// Thread Safety:
//
//	Parser instances are safe for concurrent use.
type Parser struct {
	maxFileSize int64
	logger      *slog.Logger
}

// NewParser creates a Parser with the given options.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse extracts structure from Python source code.
//
// Description:
//
//	Parses the content and extracts callables, classes, and module
//	variables into a File. The parse is error-tolerant: syntactically
//	invalid code yields partial results with captured error strings.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked before and after parsing.
//	content - Raw Python source bytes. Must be valid UTF-8.
//	filePath - Path for error reporting and identity.
//
// Outputs:
//
//	*File - Extracted structure. Never nil on success; caller must Close.
//	error - Non-nil for complete failures (size, encoding, cancellation).
//
// Thread Safety: Safe for concurrent use.
func (p *Parser) Parse(ctx context.Context, content []byte, filePath string) (*File, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}

	if int64(len(content)) > p.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), p.maxFileSize)
	}
	if len(content) > WarnFileSize {
		p.logger.Warn("parsing large file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(content)))
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContent, filePath)
	}

	start := time.Now()

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		tree.Close()
		return nil, fmt.Errorf("parse canceled after tree-sitter: %w", err)
	}

	file := &File{
		Path:      filePath,
		Content:   content,
		Callables: make([]*Callable, 0),
		Classes:   make(map[string]*Class),
		Vars:      make([]ModuleVar, 0),
		Errors:    make([]string, 0),
		tree:      tree,
	}

	root := tree.RootNode()
	file.root = root
	if root == nil {
		file.Errors = append(file.Errors, "tree-sitter returned nil root node")
		return file, nil
	}
	if root.HasError() {
		file.Errors = append(file.Errors, "source contains syntax errors")
	}

	p.extractTopLevel(root, file)

	recordParse(ctx, len(file.Callables), time.Since(start), file.HasErrors())

	return file, nil
}

// extractTopLevel walks module-level statements.
func (p *Parser) extractTopLevel(root *sitter.Node, file *File) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "function_definition":
			if fn := p.processFunction(child, file, nil, ""); fn != nil {
				file.Callables = append(file.Callables, fn)
			}
		case "class_definition":
			p.processClass(child, file, nil)
		case "decorated_definition":
			p.processDecorated(child, file)
		case "expression_statement":
			p.processModuleAssignment(child, file)
		}
	}
}

// processDecorated handles decorated module-level functions and classes.
func (p *Parser) processDecorated(node *sitter.Node, file *File) {
	decorators := p.extractDecorators(node, file.Content)

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "function_definition":
			if fn := p.processFunction(child, file, decorators, ""); fn != nil {
				file.Callables = append(file.Callables, fn)
			}
		case "class_definition":
			p.processClass(child, file, decorators)
		}
	}
}

// processClass extracts a class definition and its methods.
func (p *Parser) processClass(node *sitter.Node, file *File, decorators []string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := file.NodeText(nameNode)

	class := &Class{
		Name:      name,
		StartLine: int(node.StartPoint().Row + 1),
		EndLine:   int(node.EndPoint().Row + 1),
	}

	body := node.ChildByFieldName("body")
	if body != nil {
		for i := 0; i < int(body.ChildCount()); i++ {
			child := body.Child(i)
			switch child.Type() {
			case "function_definition":
				if m := p.processFunction(child, file, nil, name); m != nil {
					class.Methods = append(class.Methods, m)
					file.Callables = append(file.Callables, m)
				}
			case "decorated_definition":
				methodDecorators := p.extractDecorators(child, file.Content)
				for j := 0; j < int(child.ChildCount()); j++ {
					def := child.Child(j)
					if def.Type() == "function_definition" {
						if m := p.processFunction(def, file, methodDecorators, name); m != nil {
							class.Methods = append(class.Methods, m)
							file.Callables = append(file.Callables, m)
						}
						break
					}
				}
			}
		}
	}

	for _, m := range class.Methods {
		if m.Name == "__init__" {
			class.Init = m
			break
		}
	}

	file.Classes[name] = class
}

// processFunction extracts a function or method definition.
func (p *Parser) processFunction(node *sitter.Node, file *File, decorators []string, className string) *Callable {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	name := file.NodeText(nameNode)

	isAsync := false
	for i := 0; i < int(node.ChildCount()); i++ {
		if node.Child(i).Type() == "async" {
			isAsync = true
			break
		}
	}

	callable := &Callable{
		Name:       name,
		ClassName:  className,
		StartLine:  int(node.StartPoint().Row + 1),
		EndLine:    int(node.EndPoint().Row + 1),
		Decorators: decorators,
		IsAsync:    isAsync,
	}
	if className != "" {
		callable.QualifiedName = className + "." + name
	} else {
		callable.QualifiedName = name
	}

	if params := node.ChildByFieldName("parameters"); params != nil {
		callable.Params = p.extractParams(params, file, className != "")
	}

	return callable
}

// extractParams reads a parameters node into Param values.
//
// self and cls receivers are dropped for methods. Splat parameters
// (*args, **kwargs) are skipped: they carry no single-value strategy.
func (p *Parser) extractParams(node *sitter.Node, file *File, isMethod bool) []Param {
	params := make([]Param, 0, node.ChildCount())
	first := true

	appendParam := func(prm Param) {
		if isMethod && first && (prm.Name == "self" || prm.Name == "cls") {
			first = false
			return
		}
		first = false
		params = append(params, prm)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "identifier":
			appendParam(Param{Name: file.NodeText(child)})
		case "typed_parameter":
			prm := Param{}
			for j := 0; j < int(child.ChildCount()); j++ {
				sub := child.Child(j)
				switch sub.Type() {
				case "identifier":
					prm.Name = file.NodeText(sub)
				case "type":
					prm.Annotation = file.NodeText(sub)
				}
			}
			if prm.Name != "" {
				appendParam(prm)
			}
		case "default_parameter":
			prm := Param{HasDefault: true}
			if n := child.ChildByFieldName("name"); n != nil {
				prm.Name = file.NodeText(n)
			}
			if v := child.ChildByFieldName("value"); v != nil {
				prm.Default = file.NodeText(v)
			}
			if prm.Name != "" {
				appendParam(prm)
			}
		case "typed_default_parameter":
			prm := Param{HasDefault: true}
			if n := child.ChildByFieldName("name"); n != nil {
				prm.Name = file.NodeText(n)
			}
			if tn := child.ChildByFieldName("type"); tn != nil {
				prm.Annotation = file.NodeText(tn)
			}
			if v := child.ChildByFieldName("value"); v != nil {
				prm.Default = file.NodeText(v)
			}
			if prm.Name != "" {
				appendParam(prm)
			}
		case "list_splat_pattern", "dictionary_splat_pattern", "keyword_separator", "positional_separator":
			// No strategy can be derived for these.
		}
	}

	return params
}

// processModuleAssignment records a module-level assignment.
func (p *Parser) processModuleAssignment(stmt *sitter.Node, file *File) {
	if stmt.ChildCount() == 0 {
		return
	}
	assign := stmt.Child(0)
	if assign.Type() != "assignment" {
		return
	}

	left := assign.ChildByFieldName("left")
	right := assign.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "identifier" {
		return
	}

	name := file.NodeText(left)
	value, _ := EvalLiteral(right, file.Content)

	file.Vars = append(file.Vars, ModuleVar{
		Name:       name,
		ValueText:  file.NodeText(right),
		Value:      value,
		IsConstant: isAllCaps(name),
		Line:       int(assign.StartPoint().Row + 1),
	})
}

// extractDecorators extracts decorator names from a decorated_definition.
func (p *Parser) extractDecorators(node *sitter.Node, content []byte) []string {
	var decorators []string

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != "decorator" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			sub := child.Child(j)
			switch sub.Type() {
			case "identifier", "attribute":
				decorators = append(decorators, string(content[sub.StartByte():sub.EndByte()]))
			case "call":
				if fn := sub.ChildByFieldName("function"); fn != nil {
					decorators = append(decorators, string(content[fn.StartByte():fn.EndByte()]))
				}
			}
		}
	}

	return decorators
}

// isAllCaps returns true if the name is all uppercase (underscores and
// digits allowed).
func isAllCaps(name string) bool {
	for _, r := range name {
		if r != '_' && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(name) > 0
}

// splitLines splits source into lines without dropping a trailing newline
// marker.
func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

// joinLines joins lines with newlines.
func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
