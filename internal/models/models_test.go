package models

import "testing"

func TestParseSourceFormat(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  SourceFormat
	}{
		{name: "rawPCM", input: "raw-pcm", want: FormatRawPCM},
		{name: "webm", input: "container-webm", want: FormatContainerWebM},
		{name: "ogg", input: "container-ogg", want: FormatContainerOgg},
		{name: "rawOpus", input: "raw-opus", want: FormatRawOpus},
		{name: "caseInsensitive", input: " Container-WebM ", want: FormatContainerWebM},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSourceFormat(tc.input)
			if err != nil {
				t.Fatalf("ParseSourceFormat(%q) returned error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseSourceFormatInvalid(t *testing.T) {
	for _, input := range []string{"", "mp3", "pcm", "webm "} {
		if _, err := ParseSourceFormat(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestNeedsBoundaryNormalization(t *testing.T) {
	if !FormatContainerWebM.NeedsBoundaryNormalization() {
		t.Fatal("container-webm should require normalization")
	}
	for _, format := range []SourceFormat{FormatRawPCM, FormatContainerOgg, FormatRawOpus} {
		if format.NeedsBoundaryNormalization() {
			t.Fatalf("%s should not require normalization", format)
		}
	}
}

func TestParseLegKinds(t *testing.T) {
	kinds, err := ParseLegKinds("file,fanout,network")
	if err != nil {
		t.Fatalf("ParseLegKinds: %v", err)
	}
	want := []LegKind{LegDurable, LegFanout, LegNetwork}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d legs, got %d", len(want), len(kinds))
	}
	for i, kind := range want {
		if kinds[i] != kind {
			t.Fatalf("leg %d: expected %s, got %s", i, kind, kinds[i])
		}
	}
}

func TestParseLegKindsRejectsDuplicates(t *testing.T) {
	if _, err := ParseLegKinds("fanout,live-fanout"); err == nil {
		t.Fatal("expected duplicate leg error")
	}
}

func TestParseLegKindsRejectsEmpty(t *testing.T) {
	if _, err := ParseLegKinds(" , "); err == nil {
		t.Fatal("expected error for empty leg list")
	}
}

func TestIngestKeyHasScope(t *testing.T) {
	ingestOnly := IngestKey{Scopes: []KeyScope{ScopeIngest}}
	if !ingestOnly.HasScope(ScopeIngest) {
		t.Fatal("ingest key should carry ingest scope")
	}
	if ingestOnly.HasScope(ScopeAdmin) {
		t.Fatal("ingest key should not carry admin scope")
	}

	admin := IngestKey{Scopes: []KeyScope{ScopeAdmin}}
	if !admin.HasScope(ScopeIngest) {
		t.Fatal("admin key should satisfy ingest scope")
	}
	if !admin.HasScope(ScopeAdmin) {
		t.Fatal("admin key should carry admin scope")
	}
}
