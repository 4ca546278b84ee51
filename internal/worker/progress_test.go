package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressSummary(t *testing.T) {
	p := NewProgress(10, false)
	p.Update(10, 10, 2)

	summary := p.Summary()
	require.Contains(t, summary, "8/10 panoramas")
	require.Contains(t, summary, "(2 failed)")
}

func TestProgressPrintDisabled(t *testing.T) {
	var sb strings.Builder
	p := NewProgress(5, false)
	p.output = &sb

	p.Update(3, 5, 0)
	p.Done()
	require.Empty(t, sb.String(), "disabled progress must not write")
}

func TestProgressPrintEnabled(t *testing.T) {
	var sb strings.Builder
	p := NewProgress(4, true)
	p.output = &sb

	p.Update(2, 4, 1)
	out := sb.String()
	require.Contains(t, out, "2/4 panoramas")
	require.Contains(t, out, "(1 failed)")
}
