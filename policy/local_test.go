package policy_test

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/shuttle/policy"
	"github.com/pithecene-io/shuttle/types"
)

func meta(rel, name string) *types.Metadata {
	return types.NewMetadata(types.FileEvent{SourcePath: "/src", RelativePath: rel, Filename: name})
}

func TestNew_SelectsPolicy(t *testing.T) {
	tests := []struct {
		name          string
		store, remove bool
		dataOK        bool
		want          policy.Action
	}{
		{"keep", false, false, true, policy.ActionKeep},
		{"remove", false, true, true, policy.ActionRemove},
		{"remove after failed send", false, true, false, policy.ActionKeep},
		{"store", true, false, true, policy.ActionStore},
		{"move", true, true, true, policy.ActionMove},
		{"move after failed send", true, true, false, policy.ActionStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := policy.NewStubSink()
			pol, err := policy.New(policy.Config{
				StoreData:   tt.store,
				RemoveData:  tt.remove,
				LocalTarget: t.TempDir(),
			}, sink)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			got, err := pol.Apply(t.Context(), meta("/b", "f.h5"), tt.dataOK)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if got != tt.want {
				t.Errorf("action = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNew_RequiresLocalTargetForStore(t *testing.T) {
	_, err := policy.New(policy.Config{StoreData: true}, policy.NewStubSink())
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("err = %v, want configuration error", err)
	}
}

func TestLocalPolicy_StoreDestination(t *testing.T) {
	base := t.TempDir()
	sink := policy.NewStubSink()
	pol := policy.NewLocalPolicy(policy.Config{StoreData: true, LocalTarget: base}, sink)

	if _, err := pol.Apply(t.Context(), meta("/b/c", "f.h5"), true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	calls := sink.Calls()
	if len(calls) != 1 || calls[0].Op != "copy" {
		t.Fatalf("calls = %+v, want one copy", calls)
	}
	if want := filepath.Join(base, "b", "c", "f.h5"); calls[0].Dst != want {
		t.Errorf("dst = %s, want %s", calls[0].Dst, want)
	}
}

func TestLocalPolicy_StoreRejectsEscapingPath(t *testing.T) {
	base := t.TempDir()
	sink := policy.NewStubSink()
	pol := policy.NewLocalPolicy(policy.Config{StoreData: true, LocalTarget: base}, sink)

	if _, err := pol.Apply(t.Context(), meta("../../etc", "passwd"), true); !errors.Is(err, types.ErrFormat) {
		t.Fatalf("Apply = %v, want ErrFormat", err)
	}
	if calls := sink.Calls(); len(calls) != 0 {
		t.Errorf("calls = %+v, want none", calls)
	}
}

func TestLocalPolicy_CreatesMissingDirectoryAndRetries(t *testing.T) {
	base := t.TempDir()
	sink := policy.NewStubSink()
	sink.ErrorOn["move"] = fmt.Errorf("open: %w", fs.ErrNotExist)
	sink.FailTimes = 1

	pol := policy.NewLocalPolicy(policy.Config{StoreData: true, RemoveData: true, LocalTarget: base}, sink)
	action, err := pol.Apply(t.Context(), meta("/raw/run1", "f.h5"), true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if action != policy.ActionMove {
		t.Errorf("action = %s, want move", action)
	}
	if len(sink.Calls()) != 2 {
		t.Errorf("calls = %d, want 2 (first attempt and retry)", len(sink.Calls()))
	}
	if info, err := os.Stat(filepath.Join(base, "raw", "run1")); err != nil || !info.IsDir() {
		t.Errorf("destination directory not created: %v", err)
	}

	stats := pol.Stats()
	if stats.DirsCreated != 1 || stats.Stored != 1 || stats.Removed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLocalPolicy_MissingFixedSubdirIsFatal(t *testing.T) {
	base := t.TempDir()
	sink := policy.NewStubSink()
	sink.ErrorOn["copy"] = fs.ErrNotExist

	pol := policy.NewLocalPolicy(policy.Config{
		StoreData:   true,
		LocalTarget: base,
		FixSubdirs:  []string{"current", "commissioning"},
	}, sink)

	_, err := pol.Apply(t.Context(), meta("/current/raw", "f.h5"), true)
	if err == nil {
		t.Fatal("expected error for missing fixed subdirectory")
	}
	if _, statErr := os.Stat(filepath.Join(base, "current")); !errors.Is(statErr, fs.ErrNotExist) {
		t.Error("fixed subdirectory was created")
	}
	if len(sink.Calls()) != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", len(sink.Calls()))
	}
	if pol.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", pol.Stats().Errors)
	}
}

func TestLocalPolicy_ExistingFixedSubdirAllowsNestedCreation(t *testing.T) {
	base := t.TempDir()
	if err := os.Mkdir(filepath.Join(base, "current"), 0o755); err != nil {
		t.Fatal(err)
	}
	sink := policy.NewStubSink()
	sink.ErrorOn["copy"] = fs.ErrNotExist
	sink.FailTimes = 1

	pol := policy.NewLocalPolicy(policy.Config{StoreData: true, LocalTarget: base, FixSubdirs: []string{"current"}}, sink)
	if _, err := pol.Apply(t.Context(), meta("/current/raw", "f.h5"), true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestLocalPolicy_RelativePathIsFixedSubdir(t *testing.T) {
	base := t.TempDir()
	sink := policy.NewStubSink()
	sink.ErrorOn["copy"] = fs.ErrNotExist

	pol := policy.NewLocalPolicy(policy.Config{StoreData: true, LocalTarget: base, FixSubdirs: []string{"local"}}, sink)
	if _, err := pol.Apply(t.Context(), meta("/local", "f.h5"), true); err == nil {
		t.Error("expected error when the relative path itself is a missing fixed subdirectory")
	}
}

func TestLocalPolicy_OtherErrorsAreNotRetried(t *testing.T) {
	sink := policy.NewStubSink()
	sink.ErrorOn["remove"] = fs.ErrPermission

	pol := policy.NewLocalPolicy(policy.Config{RemoveData: true}, sink)
	if _, err := pol.Apply(t.Context(), meta("b", "f.h5"), true); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("err = %v, want permission error", err)
	}
	if len(sink.Calls()) != 1 {
		t.Errorf("calls = %d, want 1", len(sink.Calls()))
	}
}

func TestStoringDisabled(t *testing.T) {
	if !policy.StoringDisabled(policy.Config{RemoveData: true}) {
		t.Error("remove without store should disable storing")
	}
	if policy.StoringDisabled(policy.Config{RemoveData: true, StoreData: true}) {
		t.Error("move keeps a stored copy")
	}
}

func TestKeepPolicy_ClosesSink(t *testing.T) {
	sink := policy.NewStubSink()
	pol := policy.NewKeepPolicy(sink)
	if _, err := pol.Apply(t.Context(), meta("b", "f.h5"), false); err != nil {
		t.Fatal(err)
	}
	if err := pol.Close(); err != nil {
		t.Fatal(err)
	}
	if !sink.Closed {
		t.Error("sink not closed")
	}
	if len(sink.Calls()) != 0 {
		t.Errorf("keep touched the sink: %+v", sink.Calls())
	}
	if pol.Stats().Kept != 1 {
		t.Errorf("kept = %d, want 1", pol.Stats().Kept)
	}
}
