package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/lem/asm"
	"github.com/chazu/lem/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "lem-lsp"

// LspServer provides editor support for LEM assembly (.lasm) files.
type LspServer struct {
	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server.
func NewLSP() *LspServer {
	s := &LspServer{
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Infof("%s %s initializing", lspName, s.version)

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	if loc := definition(uri, text, word); loc != nil {
		return []protocol.Location{*loc}, nil
	}
	return nil, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	locs := references(uri, text, word)
	if !params.Context.IncludeDeclaration {
		if def := definition(uri, text, word); def != nil {
			kept := locs[:0]
			for _, l := range locs {
				if l.Range != def.Range {
					kept = append(kept, l)
				}
			}
			locs = kept
		}
	}
	return locs, nil
}

// --- Document analysis ---

// complete returns mnemonics and labels starting with prefix. Mnemonics
// match case-insensitively, labels exactly.
func complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	upper := strings.ToUpper(prefix)

	for _, op := range vm.AllOpcodes() {
		info, _ := vm.GetOpcodeInfo(op)
		if !strings.HasPrefix(info.Name, upper) {
			continue
		}
		kind := protocol.CompletionItemKindKeyword
		detail := signature(info)
		name := info.Name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &name,
		})
	}

	names := make([]string, 0)
	for name := range labelDefinitions(text) {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		kind := protocol.CompletionItemKindConstant
		detail := "label"
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &name,
		})
	}

	return items
}

// signature formats an opcode as "ADD block index value".
func signature(info vm.OpcodeInfo) string {
	parts := []string{info.Name}
	for _, o := range info.Operands {
		parts = append(parts, o.String())
	}
	return strings.Join(parts, " ")
}

// hover describes a mnemonic or a label.
func hover(text, word string) *protocol.Hover {
	var b strings.Builder
	if op, ok := vm.LookupOpcode(strings.ToUpper(word)); ok {
		info, _ := vm.GetOpcodeInfo(op)
		fmt.Fprintf(&b, "**%s** `0x%02X`\n\n", info.Name, byte(op))
		fmt.Fprintf(&b, "`%s`\n\n", signature(info))
		fmt.Fprintf(&b, "%s\n\n%s, %d bytes", info.Doc, info.Family, op.InstructionLen())
	} else if _, ok := labelDefinitions(text)[word]; ok {
		fmt.Fprintf(&b, "**%s** label", word)
		if p, err := asm.Parse(text); err == nil {
			fmt.Fprintf(&b, " at offset %d", p.Labels[word])
		}
	} else {
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func definition(uri protocol.DocumentUri, text, word string) *protocol.Location {
	rng, ok := labelDefinitions(text)[word]
	if !ok {
		return nil
	}
	return &protocol.Location{URI: uri, Range: rng}
}

// references returns every occurrence of a label, its definition included.
func references(uri protocol.DocumentUri, text, word string) []protocol.Location {
	if _, ok := labelDefinitions(text)[word]; !ok {
		return nil
	}
	var locs []protocol.Location
	for _, w := range words(text) {
		if w.text == word {
			locs = append(locs, protocol.Location{URI: uri, Range: w.rng})
		}
	}
	return locs
}

type span struct {
	text string
	rng  protocol.Range
}

// words returns the identifiers of text outside comments and character
// literals.
func words(text string) []span {
	var out []span
	for n, line := range strings.Split(text, "\n") {
		inChar := false
		start := -1
		flush := func(end int) {
			if start >= 0 {
				out = append(out, span{line[start:end], lineRange(n, start, end)})
				start = -1
			}
		}
		for i := 0; i < len(line); i++ {
			ch := line[i]
			switch {
			case inChar:
				if ch == '\\' {
					i++
				} else if ch == '\'' {
					inChar = false
				}
			case ch == ';':
				flush(i)
				i = len(line)
			case ch == '\'':
				flush(i)
				inChar = true
			case isWordByte(ch):
				if start < 0 {
					start = i
				}
			default:
				flush(i)
			}
		}
		if !inChar {
			flush(len(line))
		}
	}
	return out
}

// labelDefinitions maps each label defined in text to the range of its
// name.
func labelDefinitions(text string) map[string]protocol.Range {
	defs := make(map[string]protocol.Range)
	for n, line := range strings.Split(text, "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		col := 0
		for {
			for col < len(line) && (line[col] == ' ' || line[col] == '\t' || line[col] == ',') {
				col++
			}
			end := col
			for end < len(line) && isWordByte(line[end]) {
				end++
			}
			if end == col || end >= len(line) || line[end] != ':' || unicode.IsDigit(rune(line[col])) {
				break
			}
			name := line[col:end]
			if _, dup := defs[name]; !dup {
				defs[name] = lineRange(n, col, end)
			}
			col = end + 1
		}
	}
	return defs
}

func isWordByte(ch byte) bool {
	return ch == '_' || ch == '.' || ch < 0x80 && (unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch)))
}

func lineRange(line, start, end int) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(start)},
		End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(end)},
	}
}

// --- Diagnostics ---

// diagnostics reports every assembly error in text.
func diagnostics(text string) []protocol.Diagnostic {
	_, err := asm.Parse(text)
	if err == nil {
		return []protocol.Diagnostic{}
	}

	errs := asm.Errors(err)
	if len(errs) == 0 {
		errs = []*asm.Error{{Pos: asm.Position{Line: 1, Column: 1}, Msg: err.Error()}}
	}

	lines := strings.Split(text, "\n")
	out := make([]protocol.Diagnostic, 0, len(errs))
	for _, e := range errs {
		line, col := e.Pos.Line-1, e.Pos.Column-1
		end := col
		if line >= 0 && line < len(lines) {
			for end < len(lines[line]) && !unicode.IsSpace(rune(lines[line][end])) {
				end++
			}
		}
		severity := protocol.DiagnosticSeverityError
		source := lspName
		out = append(out, protocol.Diagnostic{
			Range:    lineRange(line, col, end),
			Severity: &severity,
			Source:   &source,
			Message:  e.Msg,
		})
	}
	return out
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics(text),
	})
}

// --- Text extraction helpers ---

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isWordByte(line[start-1]) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isWordByte(line[start-1]) {
		start--
	}
	end := col
	for end < len(line) && isWordByte(line[end]) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
