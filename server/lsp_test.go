package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

const lspDoc = `; countdown
      BND
      WIE 0 0 3
loop: RAD 0 0
      SUB 0 0 1
      GNZ 0 0 loop ; again
      HLT`

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"simple word", "  WIE 0 0 3\n  RA", protocol.Position{Line: 1, Character: 4}, "RA"},
		{"at start", "BN", protocol.Position{Line: 0, Character: 2}, "BN"},
		{"empty line", "", protocol.Position{Line: 0, Character: 0}, ""},
		{"after space", "GNZ 0 0 lo", protocol.Position{Line: 0, Character: 10}, "lo"},
		{"cursor at beginning", "HLT", protocol.Position{Line: 0, Character: 0}, ""},
		{"line beyond document", "HLT", protocol.Position{Line: 5, Character: 0}, ""},
		{"character beyond line", "HLT", protocol.Position{Line: 0, Character: 50}, "HLT"},
		{"directive", ".by", protocol.Position{Line: 0, Character: 3}, ".by"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPrefix(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"middle of word", "RAD 0 0", protocol.Position{Line: 0, Character: 1}, "RAD"},
		{"at end", "RAD", protocol.Position{Line: 0, Character: 3}, "RAD"},
		{"label with colon", "loop: HLT", protocol.Position{Line: 0, Character: 2}, "loop"},
		{"second word", "GO done", protocol.Position{Line: 0, Character: 4}, "done"},
		{"on space", "GO  done", protocol.Position{Line: 0, Character: 3}, ""},
		{"multi line", "BND\nHLT", protocol.Position{Line: 1, Character: 1}, "HLT"},
		{"underscore", "GO end_loop", protocol.Position{Line: 0, Character: 6}, "end_loop"},
		{"line beyond document", "HLT", protocol.Position{Line: 3, Character: 0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractWord(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true) should return pointer to true")
	}
	if p := boolPtr(false); p == nil || *p {
		t.Error("boolPtr(false) should return pointer to false")
	}
}

// ---------------------------------------------------------------------------
// Document analysis
// ---------------------------------------------------------------------------

func TestLSP_Diagnostics_Clean(t *testing.T) {
	if d := diagnostics(lspDoc); len(d) != 0 {
		t.Errorf("diagnostics = %v, want none", d)
	}
}

func TestLSP_Diagnostics_Errors(t *testing.T) {
	text := "BND\nFOO 1\nWIE 0 0\nGO nowhere"
	d := diagnostics(text)
	if len(d) != 3 {
		t.Fatalf("got %d diagnostics, want 3: %v", len(d), d)
	}
	if d[0].Range.Start.Line != 1 || d[0].Range.Start.Character != 0 || d[0].Range.End.Character != 3 {
		t.Errorf("first diagnostic range = %+v, want line 1 chars 0-3", d[0].Range)
	}
	if !strings.Contains(d[0].Message, "FOO") {
		t.Errorf("first diagnostic = %q, want mention of FOO", d[0].Message)
	}
	if d[1].Range.Start.Line != 2 {
		t.Errorf("second diagnostic on line %d, want 2", d[1].Range.Start.Line)
	}
	if d[2].Range.Start.Line != 3 || d[2].Range.Start.Character != 3 {
		t.Errorf("third diagnostic at %+v, want line 3 char 3", d[2].Range.Start)
	}
	for _, diag := range d {
		if diag.Severity == nil || *diag.Severity != protocol.DiagnosticSeverityError {
			t.Errorf("diagnostic %q should be an error", diag.Message)
		}
	}
}

func TestLSP_Complete(t *testing.T) {
	items := complete(lspDoc, "g")
	var labels []string
	for _, it := range items {
		labels = append(labels, it.Label)
	}
	got := strings.Join(labels, " ")
	for _, want := range []string{"GO", "GNZ", "GOZ", "GT", "GE"} {
		if !strings.Contains(got, want) {
			t.Errorf("completions %q missing %s", got, want)
		}
	}

	items = complete(lspDoc, "lo")
	if len(items) != 1 || items[0].Label != "loop" {
		t.Fatalf("completions for lo = %v, want [loop]", items)
	}
	if items[0].Detail == nil || *items[0].Detail != "label" {
		t.Error("label completion should have detail \"label\"")
	}
}

func TestLSP_Complete_MnemonicDetail(t *testing.T) {
	items := complete("", "wie")
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Detail == nil || *items[0].Detail != "WIE blk idx val" {
		t.Errorf("detail = %v, want \"WIE blk idx val\"", items[0].Detail)
	}
}

func TestLSP_Hover_Mnemonic(t *testing.T) {
	h := hover(lspDoc, "rad")
	if h == nil {
		t.Fatal("hover returned nil for RAD")
	}
	value := h.Contents.(protocol.MarkupContent).Value
	if !strings.Contains(value, "**RAD**") || !strings.Contains(value, "`RAD blk idx`") {
		t.Errorf("hover = %q", value)
	}
}

func TestLSP_Hover_Label(t *testing.T) {
	h := hover(lspDoc, "loop")
	if h == nil {
		t.Fatal("hover returned nil for label")
	}
	value := h.Contents.(protocol.MarkupContent).Value
	if !strings.Contains(value, "offset 5") {
		t.Errorf("hover = %q, want offset 5", value)
	}
}

func TestLSP_Hover_UnknownWord(t *testing.T) {
	if h := hover(lspDoc, "nothing"); h != nil {
		t.Errorf("hover = %v, want nil", h)
	}
}

func TestLSP_Definition(t *testing.T) {
	uri := protocol.DocumentUri("file:///countdown.lasm")
	loc := definition(uri, lspDoc, "loop")
	if loc == nil {
		t.Fatal("definition returned nil")
	}
	if loc.URI != uri || loc.Range.Start.Line != 3 || loc.Range.Start.Character != 0 || loc.Range.End.Character != 4 {
		t.Errorf("definition = %+v", loc)
	}
	if definition(uri, lspDoc, "RAD") != nil {
		t.Error("mnemonics have no definition")
	}
}

func TestLSP_References(t *testing.T) {
	uri := protocol.DocumentUri("file:///countdown.lasm")
	locs := references(uri, lspDoc, "loop")
	if len(locs) != 2 {
		t.Fatalf("got %d references, want 2", len(locs))
	}
	if locs[1].Range.Start.Line != 5 || locs[1].Range.Start.Character != 14 {
		t.Errorf("use at %+v, want line 5 char 14", locs[1].Range.Start)
	}
}

func TestLSP_References_IgnoresComments(t *testing.T) {
	text := "start: GO start ; start again\nHLT"
	locs := references("file:///a.lasm", text, "start")
	if len(locs) != 2 {
		t.Errorf("got %d references, want 2", len(locs))
	}
}

func TestLSP_LabelDefinitions(t *testing.T) {
	defs := labelDefinitions("a: b: HLT\n  c:\n; d:\nGO 'x:'")
	for _, name := range []string{"a", "b", "c"} {
		if _, ok := defs[name]; !ok {
			t.Errorf("label %q not found", name)
		}
	}
	if len(defs) != 3 {
		t.Errorf("got %d labels, want 3: %v", len(defs), defs)
	}
	if r := defs["b"]; r.Start.Character != 3 {
		t.Errorf("b starts at %d, want 3", r.Start.Character)
	}
}

func TestLSP_DocumentStore(t *testing.T) {
	s := NewLSP()
	s.docs["file:///a.lasm"] = "HLT"

	text, ok := s.document("file:///a.lasm")
	if !ok || text != "HLT" {
		t.Errorf("document = %q, %v", text, ok)
	}
	if _, ok := s.document("file:///b.lasm"); ok {
		t.Error("unknown document should not be found")
	}
}

func TestLSP_Initialize(t *testing.T) {
	s := NewLSP()
	result, err := s.initialize(nil, &protocol.InitializeParams{})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	init, ok := result.(protocol.InitializeResult)
	if !ok {
		t.Fatalf("initialize returned %T", result)
	}
	if init.ServerInfo == nil || init.ServerInfo.Name != lspName {
		t.Errorf("server info = %+v", init.ServerInfo)
	}
	if init.Capabilities.HoverProvider != true || init.Capabilities.DefinitionProvider != true {
		t.Errorf("capabilities = %+v", init.Capabilities)
	}
}
