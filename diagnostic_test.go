package devbridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiagnosticStateOrderingAndOutcomes(t *testing.T) {
	d := NewDiagnosticState()

	step1 := d.Start("socket_open")
	step2 := d.Start("certificate_exchange")
	step1.Complete()
	step2.Fail("desktop rejected the CSR")

	elements := d.Elements()
	require.Len(t, elements, 2)
	require.Equal(t, "socket_open", elements[0].Name)
	require.Equal(t, "success", elements[0].Outcome)
	require.Equal(t, "certificate_exchange", elements[1].Name)
	require.Equal(t, "failed", elements[1].Outcome)
}

func TestDiagnosticStepResolvesOnlyOnce(t *testing.T) {
	d := NewDiagnosticState()
	step := d.Start("x")
	step.Complete()
	step.Fail("should be ignored")

	elements := d.Elements()
	require.Equal(t, "success", elements[0].Outcome)
}

func TestDiagnosticStepAbandon(t *testing.T) {
	d := NewDiagnosticState()
	step := d.Start("x")
	step.Abandon()

	elements := d.Elements()
	require.Equal(t, "failed", elements[0].Outcome)
}

func TestDiagnosticStateNotifiesListener(t *testing.T) {
	d := NewDiagnosticState()
	calls := 0
	d.SetUpdateListener(func() { calls++ })

	step := d.Start("x")
	step.Complete()

	require.Equal(t, 2, calls)
}

func TestDiagnosticStateListenerCanReenter(t *testing.T) {
	d := NewDiagnosticState()
	d.SetUpdateListener(func() {
		_ = d.Elements() // must not deadlock: lock is released before notify
	})
	d.Start("x")
}

func TestDiagnosticStateLogIsBounded(t *testing.T) {
	d := NewDiagnosticState()
	for i := 0; i < 2000; i++ {
		d.appendLog(strings.Repeat("x", 10))
	}
	require.LessOrEqual(t, len(d.Log()), maxLogBufferBytes)
}
