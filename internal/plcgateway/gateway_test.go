package plcgateway

import "testing"

func TestConnectionStatusString(t *testing.T) {
	cases := map[ConnectionStatus]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		ConnectionStatus(99): "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("ConnectionStatus(%d).String() = %q, want %q", status, got, want)
		}
	}
}
