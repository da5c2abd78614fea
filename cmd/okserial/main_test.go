package main

import (
	"errors"
	"testing"

	"github.com/okserial/serial/errs"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"parse", errs.Parse("bad expr", nil), exitParseError},
		{"no match", errs.NoMatch("nothing found"), exitNoMatch},
		{"ambiguous", errs.AmbiguousMatch("two ports"), exitAmbiguousMatch},
		{"disconnected", errs.Disconnected("dropped", nil), exitIOError},
		{"plain error", errors.New("boom"), exitIOError},
	}

	for _, tt := range tests {
		if got := exitCodeFor(tt.err); got != tt.want {
			t.Errorf("%s: exitCodeFor() = %d, want %d", tt.name, got, tt.want)
		}
	}
}
