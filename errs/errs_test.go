package errs

import (
	"testing"

	"github.com/pkg/errors"
)

func TestKinds(t *testing.T) {
	cause := errors.New("permission denied")
	kinds := []error{ErrConfiguration, ErrResourceUnavailable, ErrCorruptCheckpoint, ErrIO}

	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"configuration", Configuration("seq %d > %d", 3, 2), ErrConfiguration},
		{"corrupt", Corrupt("entry %q missing", "transformer"), ErrCorruptCheckpoint},
		{"unavailable", Unavailable(cause, "text encoder"), ErrResourceUnavailable},
		{"io", IO(cause, "write %s", "/tmp/x"), ErrIO},
		{"wrapped", errors.Wrap(IO(cause, "write"), "save"), ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range kinds {
				if got, want := errors.Is(tt.err, k), k == tt.kind; got != want {
					t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, k, got, want)
				}
			}
		})
	}
}

func TestCauseIsKept(t *testing.T) {
	cause := errors.New("no such host")
	err := Unavailable(cause, "download %s", "model")
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if got := err.Error(); got == "" {
		t.Fatal("empty message")
	}
}
