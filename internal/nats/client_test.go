package nats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

func TestTLSConfig(t *testing.T) {
	cfg, err := tlsConfig(Config{URL: "nats://localhost:4222"})
	if err != nil || cfg != nil {
		t.Fatalf("no TLS material: got %v, %v", cfg, err)
	}

	if _, err := tlsConfig(Config{CertFile: "client.pem"}); err == nil {
		t.Error("cert without key should fail")
	}

	if _, err := tlsConfig(Config{CAFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Error("missing CA file should fail")
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := tlsConfig(Config{CAFile: bad}); err == nil {
		t.Error("CA file without certificates should fail")
	}
}

func TestConnect_RequiresURL(t *testing.T) {
	if _, err := Connect(t.Context(), Config{}, logger.NewNop()); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestConnectOptions(t *testing.T) {
	opts, err := connectOptions(Config{Token: "s3cret"}, logger.NewNop())
	if err != nil {
		t.Fatalf("connectOptions: %v", err)
	}
	// name, reconnect settings, three handlers and the token
	if len(opts) != 8 {
		t.Errorf("len(opts) = %d, want 8", len(opts))
	}
}

func TestClient_NilSafe(t *testing.T) {
	var c *Client
	if c.IsConnected() {
		t.Error("nil client reported connected")
	}
	c.Close()
}
