package debug

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	r, _ := recordCounterSession(t)

	expected := `
# HELP state_debug_actions_total Recorded transitions per store and action.
# TYPE state_debug_actions_total counter
state_debug_actions_total{action="increment",store="counter"} 2
state_debug_actions_total{action="reset",store="counter"} 1
# HELP state_debug_action_duration_max_ms Longest transition duration in milliseconds.
# TYPE state_debug_action_duration_max_ms gauge
state_debug_action_duration_max_ms{action="increment",store="counter"} 15
state_debug_action_duration_max_ms{action="reset",store="counter"} 0
# HELP state_debug_log_entries Entries currently held in the action log.
# TYPE state_debug_log_entries gauge
state_debug_log_entries 3
`
	err := testutil.CollectAndCompare(r.Collector(), strings.NewReader(expected),
		"state_debug_actions_total",
		"state_debug_action_duration_max_ms",
		"state_debug_log_entries",
	)
	require.NoError(t, err)
}

func TestCollector_Registers(t *testing.T) {
	r, _ := recordCounterSession(t)
	reg := prometheus.NewPedanticRegistry()

	require.NoError(t, reg.Register(r.Collector()))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}
