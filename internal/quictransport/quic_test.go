package quictransport

import (
	"net"
	"slices"
	"testing"
)

func TestServerConfig_SelfSigned(t *testing.T) {
	config, err := ServerConfig("", "")
	if err != nil {
		t.Fatalf("ServerConfig error: %v", err)
	}
	if len(config.Certificates) == 0 {
		t.Fatal("ServerConfig has no certificates")
	}
	cert := config.Certificates[0]
	if cert.PrivateKey == nil || len(cert.Certificate) == 0 {
		t.Error("certificate is incomplete")
	}
	if !slices.Contains(config.NextProtos, ALPNProtocol) {
		t.Errorf("NextProtos %v does not contain %s", config.NextProtos, ALPNProtocol)
	}
}

func TestServerConfig_MissingFiles(t *testing.T) {
	if _, err := ServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Error("expected error for missing certificate files")
	}
}

func TestClientConfig(t *testing.T) {
	config := ClientConfig(true)
	if !config.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be true")
	}
	if ClientConfig(false).InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be false")
	}
	if !slices.Contains(config.NextProtos, ALPNProtocol) {
		t.Errorf("NextProtos %v does not contain %s", config.NextProtos, ALPNProtocol)
	}
}

func TestDefaultQUICConfigs(t *testing.T) {
	if c := DefaultServerQUICConfig(); c.MaxIncomingStreams < 1 {
		t.Errorf("MaxIncomingStreams = %d", c.MaxIncomingStreams)
	}
	if c := DefaultClientQUICConfig(); c.MaxIdleTimeout == 0 {
		t.Error("client MaxIdleTimeout not set")
	}
}

func TestClampUDPBuffer(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, minUDPBuffer},
		{minUDPBuffer + 1, minUDPBuffer + 1},
		{1 << 30, maxUDPBuffer},
	}
	for _, tt := range tests {
		if got := clampUDPBuffer(tt.in); got != tt.want {
			t.Errorf("clampUDPBuffer(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTuneUDP(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer conn.Close()
	// Kernels may cap the size but must not fail outright.
	if err := TuneUDP(conn, minUDPBuffer); err != nil {
		t.Fatalf("TuneUDP: %v", err)
	}
}
