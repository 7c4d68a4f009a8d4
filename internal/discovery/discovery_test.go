package discovery

import "testing"

func TestServerURL(t *testing.T) {
	srv := Server{Name: "matter-server", Host: "192.168.1.20", Port: 5580}
	if got := srv.URL(); got != "ws://192.168.1.20:5580/ws" {
		t.Fatalf("URL() = %q", got)
	}
}
