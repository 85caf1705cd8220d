package constants

import (
	"testing"
)

func TestPostGet(t *testing.T) {
	if readOnlyConstants == nil {
		t.Error("Expected readOnlyConstants to be set by init() prior to me")
	}
}

// TestValues tests that at least a few of the constants have been
// initialized. Too tiresome to test them all and obviously of limited
// value.
func TestValues(t *testing.T) {
	consts := Get()
	if len(consts.ProxyProgramName) == 0 {
		t.Error("consts.ProxyProgramName should be set but it's zero length")
	}
	if len(consts.ConnectEstablished) == 0 {
		t.Error("consts.ConnectEstablished should be set but it's zero length")
	}
	if len(consts.NoConnectPage) == 0 {
		t.Error("consts.NoConnectPage should be set but it's zero length")
	}
	if len(consts.DNSDefaultPort) == 0 {
		t.Error("consts.DNSDefaultPort should be set but it's zero length")
	}
}
