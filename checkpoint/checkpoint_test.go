package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"vidclip/errs"
	"vidclip/nn"
	"vidclip/optim"
)

func sampleFile(t *testing.T) File {
	t.Helper()
	f := File{}
	for i, name := range Entries[:5] {
		b, err := EncodeStateDict(nn.StateDict{"weight": {Dims: []int{2}, Data: []float32{float32(i), 1}}})
		if err != nil {
			t.Fatal(err)
		}
		f[name] = b
	}
	b, err := EncodeOptimizer(optim.State{BaseLearnRate: 1e-5, LearnRate: 1e-5, Params: map[string]optim.ParamState{}})
	if err != nil {
		t.Fatal(err)
	}
	f[Optimizer] = b
	return f
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ckpt.gob")
	want := sampleFile(t)
	if err := Write(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("file (-want +got):\n%s", diff)
	}
	sd, err := DecodeStateDict(Linear, got[Linear])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 1}, sd["weight"].Data); diff != "" {
		t.Errorf("linear entry (-want +got):\n%s", diff)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestReadMissingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.gob")
	f := sampleFile(t)
	delete(f, Transformer)
	if err := Write(path, f); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); !errors.Is(err, errs.ErrCorruptCheckpoint) {
		t.Fatalf("Read = %v, want corrupt checkpoint", err)
	}
}

func TestReadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.gob")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); !errors.Is(err, errs.ErrCorruptCheckpoint) {
		t.Fatalf("Read = %v, want corrupt checkpoint", err)
	}
	if _, err := DecodeStateDict(Backbone, []byte{1, 2, 3}); !errors.Is(err, errs.ErrCorruptCheckpoint) {
		t.Fatalf("DecodeStateDict = %v, want corrupt checkpoint", err)
	}
}

func TestIOErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	// the parent "directory" is a regular file, so it cannot be created
	if err := Write(filepath.Join(blocker, "ckpt.gob"), sampleFile(t)); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("Write = %v, want io error", err)
	}
	if _, err := Read(filepath.Join(dir, "absent.gob")); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("Read = %v, want io error", err)
	}
}
