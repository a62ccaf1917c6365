package status

import (
	"errors"
	"strings"
	"testing"

	"github.com/infinibay/rtsync/internal/realtime"
)

func TestView(t *testing.T) {
	tests := []struct {
		name   string
		status realtime.Status
		want   []string
	}{
		{
			name:   "initial",
			status: realtime.Status{},
			want:   []string{"disconnected", "no namespace", "starting"},
		},
		{
			name: "connected",
			status: realtime.StatusOf(realtime.Connection{State: realtime.StateConnected, Namespace: "ns-demo"},
				true, 3),
			want: []string{"connected", "ns-demo", "3 subscriptions"},
		},
		{
			name: "error",
			status: realtime.StatusOf(realtime.Connection{State: realtime.StateError, LastError: errors.New("refused")},
				true, 0),
			want: []string{"error", "refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.Width = 120
			m.Status = tt.status
			m.SetCounts(4, 1)
			v := m.View()
			for _, s := range append(tt.want, "4 vms", "1 degraded") {
				if !strings.Contains(v, s) {
					t.Errorf("view missing %q:\n%s", s, v)
				}
			}
		})
	}
}
