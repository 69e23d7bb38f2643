package main

import "testing"

func TestResolvePreset(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"minimal", false},
		{"default", false},
		{"production", false},
		{"", false}, // falls through to default
		{"bogus", false},
	}
	for _, c := range cases {
		if _, err := resolvePreset(c.name); (err != nil) != c.wantErr {
			t.Errorf("resolvePreset(%q) error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestParseSizes(t *testing.T) {
	got, err := parseSizes("4096, 300,500 ,  ,600")
	if err != nil {
		t.Fatalf("parseSizes: %v", err)
	}
	want := []int{4096, 300, 500, 600}
	if len(got) != len(want) {
		t.Fatalf("parseSizes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseSizes[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestParseSizesInvalid(t *testing.T) {
	if _, err := parseSizes("4096,not-a-number"); err == nil {
		t.Fatal("expected an error for a non-numeric size")
	}
}

func TestParseSizesEmpty(t *testing.T) {
	got, err := parseSizes("")
	if err != nil {
		t.Fatalf("parseSizes: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("parseSizes(\"\") = %v, want empty", got)
	}
}
