package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from ExceptionKind
		to   ExceptionKind
		want bool
	}{
		{name: "none to modified", from: ExceptionNone, to: ExceptionModified, want: true},
		{name: "none to rescheduled", from: ExceptionNone, to: ExceptionRescheduled, want: true},
		{name: "none to cancelled", from: ExceptionNone, to: ExceptionCancelled, want: true},
		{name: "none to conflict_skipped", from: ExceptionNone, to: ExceptionConflictSkipped, want: false},
		{name: "modified self loop", from: ExceptionModified, to: ExceptionModified, want: true},
		{name: "modified to rescheduled", from: ExceptionModified, to: ExceptionRescheduled, want: true},
		{name: "rescheduled to modified", from: ExceptionRescheduled, to: ExceptionModified, want: true},
		{name: "rescheduled to cancelled", from: ExceptionRescheduled, to: ExceptionCancelled, want: true},
		{name: "cancelled is terminal", from: ExceptionCancelled, to: ExceptionModified, want: false},
		{name: "cancelled to cancelled", from: ExceptionCancelled, to: ExceptionCancelled, want: false},
		{name: "conflict_skipped is terminal", from: ExceptionConflictSkipped, to: ExceptionModified, want: false},
		{name: "conflict_skipped to cancelled", from: ExceptionConflictSkipped, to: ExceptionCancelled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
