package keystore

import (
	"reflect"
	"testing"
)

func TestTableAndDottedKeysAreEquivalent(t *testing.T) {
	cases := []string{
		`[watch]
max-depth = 12
`,
		`watch.max-depth = 12
`,
	}
	for _, input := range cases {
		store, err := DecodeTOML([]byte(input))
		if err != nil {
			t.Fatalf("decode toml: %v", err)
		}
		value, ok := store.GetInt("watch.max-depth")
		if !ok {
			t.Fatalf("expected watch.max-depth value")
		}
		if value != 12 {
			t.Fatalf("expected 12, got %d", value)
		}
	}
}

func TestNormalizationHandlesUnderscoresAndCase(t *testing.T) {
	input := `[Watch]
MAX_DEPTH = 3
`
	store, err := DecodeTOML([]byte(input))
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	value, ok := store.GetInt("watch.max-depth")
	if !ok || value != 3 {
		t.Fatalf("expected normalized key to resolve, got %d (%v)", value, ok)
	}
}

func TestYAMLMatchesTOML(t *testing.T) {
	tomlStore, err := DecodeTOML([]byte(`[watch]
root = "/srv"
recursive = false
exclude = ["**/.git/**", "**/*.swp"]
max-depth = 8
`))
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	yamlStore, err := DecodeYAML([]byte(`watch:
  root: /srv
  recursive: false
  exclude:
    - "**/.git/**"
    - "**/*.swp"
  max_depth: 8
`))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}

	for _, store := range []Store{tomlStore, yamlStore} {
		root, ok := store.GetString("watch.root")
		if !ok || root != "/srv" {
			t.Fatalf("unexpected root %q", root)
		}
		recursive, ok := store.GetBool("watch.recursive")
		if !ok || recursive {
			t.Fatalf("expected recursive false")
		}
		depth, ok := store.GetInt("watch.max-depth")
		if !ok || depth != 8 {
			t.Fatalf("unexpected depth %d", depth)
		}
		exclude, ok := store.GetStrings("watch.exclude")
		if !ok || !reflect.DeepEqual(exclude, []string{"**/.git/**", "**/*.swp"}) {
			t.Fatalf("unexpected exclude %v", exclude)
		}
	}
	if !reflect.DeepEqual(tomlStore.Keys(), yamlStore.Keys()) {
		t.Fatalf("keys differ: %v vs %v", tomlStore.Keys(), yamlStore.Keys())
	}
}

func TestGetStringsRejectsMixedLists(t *testing.T) {
	store := FromRaw(map[string]any{
		"single": "**/*.go",
		"mixed":  []any{"a", 1},
	})
	if values, ok := store.GetStrings("single"); !ok || len(values) != 1 {
		t.Fatalf("expected single string to become a list, got %v", values)
	}
	if _, ok := store.GetStrings("mixed"); ok {
		t.Fatal("expected mixed list to be rejected")
	}
	if _, ok := store.GetString("missing"); ok {
		t.Fatal("expected missing key to be absent")
	}
	if store.Has("missing") || !store.Has("single") {
		t.Fatal("unexpected Has result")
	}
}
