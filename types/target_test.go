package types //nolint:revive // types is a valid package name

import (
	"errors"
	"testing"
)

func TestSuffixPattern(t *testing.T) {
	tests := []struct {
		name     string
		suffixes []string
		file     string
		want     bool
	}{
		{"h5 matches", []string{".h5"}, "foo.h5", true},
		{"h5 rejects txt", []string{".h5"}, "foo.txt", false},
		{"alternation", []string{".py", ".txt"}, "a.txt", true},
		{"anchored", []string{".h5"}, "foo.h5.tmp", false},
		{"empty string matches all", []string{""}, "anything", true},
		{"nil matches all", nil, "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re, err := SuffixPattern(tt.suffixes)
			if err != nil {
				t.Fatalf("SuffixPattern: %v", err)
			}
			if got := re.MatchString(tt.file); got != tt.want {
				t.Errorf("match(%q) = %v, want %v", tt.file, got, tt.want)
			}
		})
	}
}

func TestTarget_CompileInvalid(t *testing.T) {
	tgt := Target{SocketID: "host:1", Suffixes: []string{"(unclosed"}}
	err := tgt.Compile()
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("Compile() error = %v, want ErrFormat", err)
	}
	if tgt.Matches("x(unclosed") {
		t.Error("invalid target should match nothing")
	}
}

func TestTarget_Host(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"node1:50101", "node1"},
		{"[::1]:50101", "::1"},
		{"/tmp/shuttle/123_data", "localhost"},
	}
	for _, tt := range tests {
		if got := (Target{SocketID: tt.id}).Host(); got != tt.want {
			t.Errorf("Host(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestValidateTargets(t *testing.T) {
	tests := []struct {
		name    string
		targets []Target
		wantErr bool
	}{
		{"ok", []Target{{SocketID: "h:1", Priority: 1, Suffixes: []string{".h5"}}}, false},
		{"unix ok", []Target{{SocketID: "/tmp/s", Category: CategoryMetadata}}, false},
		{"empty", nil, true},
		{"missing port", []Target{{SocketID: "host"}}, true},
		{"negative priority", []Target{{SocketID: "h:1", Priority: -1}}, true},
		{"bad category", []Target{{SocketID: "h:1", Category: "video"}}, true},
		{"bad regex", []Target{{SocketID: "h:1", Suffixes: []string{"["}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTargets(tt.targets)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTargets() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrFormat) {
				t.Errorf("error %v is not ErrFormat", err)
			}
		})
	}
}
