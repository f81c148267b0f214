package models

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeStory(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		max     int
		want    string
		wantErr bool
	}{
		{name: "trims", in: "  once upon a time \n", want: "once upon a time"},
		{name: "empty", in: "", wantErr: true},
		{name: "whitespace", in: " \t\n ", wantErr: true},
		{name: "too long", in: strings.Repeat("a", 11), max: 10, wantErr: true},
		{name: "limit after trim", in: "  " + strings.Repeat("a", 10) + "  ", max: 10, want: strings.Repeat("a", 10)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeStory(tc.in, tc.max)
			if tc.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("NormalizeStory(%q) = %q, %v", tc.in, got, err)
			}
		})
	}
}

func TestStatusOrdering(t *testing.T) {
	if !StatusPending.Before(StatusRunning) || !StatusRunning.Before(StatusDone) || !StatusRunning.Before(StatusFailed) {
		t.Fatalf("expected forward ordering pending < running < terminal")
	}
	if StatusDone.Before(StatusFailed) || StatusRunning.Before(StatusPending) || StatusRunning.Before(StatusRunning) {
		t.Fatalf("unexpected backward or same-state ordering")
	}
	if !StatusDone.Terminal() || !StatusFailed.Terminal() || StatusRunning.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}
