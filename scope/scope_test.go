package scope

import (
	"errors"
	"reflect"
	"testing"
)

func TestToInt(t *testing.T) {
	table := Default()

	tests := []struct {
		name     string
		names    []string
		fallback int
		want     int
	}{
		{name: "single read", names: []string{"read"}, want: BitRead},
		{name: "single write", names: []string{"write"}, want: BitWrite},
		{name: "combined", names: []string{"read", "write"}, want: BitRead | BitWrite},
		{name: "composite name", names: []string{"read+write"}, want: BitRead | BitWrite},
		{name: "unknown name contributes nothing", names: []string{"invalid"}, want: 0},
		{name: "empty uses fallback", names: nil, fallback: BitRead, want: BitRead},
		{name: "unknown only uses fallback", names: []string{"invalid"}, fallback: BitWrite, want: BitWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.ToInt(tt.fallback, tt.names...)
			if got != tt.want {
				t.Errorf("ToInt(%d, %v) = %d, want %d", tt.fallback, tt.names, got, tt.want)
			}
		})
	}
}

func TestNames(t *testing.T) {
	table := Default()

	tests := []struct {
		name string
		mask int
		want []string
	}{
		{name: "read only", mask: BitRead, want: []string{"read"}},
		{name: "write only", mask: BitWrite, want: []string{"write"}},
		{name: "full mask expands composites", mask: BitRead | BitWrite, want: []string{"read", "read+write", "write"}},
		{name: "zero mask", mask: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Names(tt.mask)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Names(%d) = %v, want %v", tt.mask, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	table := Default()

	mask, err := table.Parse("read write")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if mask != BitRead|BitWrite {
		t.Errorf("Parse(\"read write\") = %d, want %d", mask, BitRead|BitWrite)
	}

	mask, err = table.Parse("")
	if err != nil {
		t.Fatalf("Parse of empty string returned error: %v", err)
	}
	if mask != 0 {
		t.Errorf("Parse(\"\") = %d, want 0", mask)
	}

	_, err = table.Parse("read invalid")
	var invalid *InvalidScopeError
	if !errors.As(err, &invalid) {
		t.Fatalf("Parse with unknown name returned %v, want *InvalidScopeError", err)
	}
	if invalid.Error() != "'invalid' is not a valid scope." {
		t.Errorf("unexpected error message: %q", invalid.Error())
	}
}

func TestIsSubset(t *testing.T) {
	if !IsSubset(BitRead, BitRead|BitWrite) {
		t.Error("read should be a subset of read+write")
	}
	if IsSubset(BitRead|BitWrite, BitRead) {
		t.Error("read+write should not be a subset of read")
	}
	if !IsSubset(0, BitRead) {
		t.Error("empty mask should be a subset of anything")
	}
}

func TestNewTableDeduplicates(t *testing.T) {
	table := NewTable(
		Entry{Bit: 2, Name: "read"},
		Entry{Bit: 8, Name: "read"},
	)
	if got := table.ToInt(0, "read"); got != 2 {
		t.Errorf("duplicate entry should keep first bit, got %d", got)
	}
}

func TestStringRendersSortedNames(t *testing.T) {
	table := Default()
	if got := table.String(BitRead | BitWrite); got != "read read+write write" {
		t.Errorf("String(6) = %q", got)
	}
}
