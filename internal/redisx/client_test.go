package redisx

import (
	"testing"
	"time"

	"github.com/oremus-labs/aip-weave/config"
)

func TestNewClientWithoutAddrIsDisabled(t *testing.T) {
	client, err := NewClient(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client != nil {
		t.Fatalf("expected nil client when no address is configured")
	}
}

func TestNewClientPingFailure(t *testing.T) {
	client, err := NewClient(Config{Addr: "127.0.0.1:1", PingTimeout: 200 * time.Millisecond})
	if err == nil {
		_ = client.Close()
		t.Fatalf("expected ping failure for closed port")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(&config.Config{RedisAddr: "redis:6379", RedisDB: 2, RedisTLSEnabled: true}, "aip-weave-gateway")
	if cfg.Addr != "redis:6379" || cfg.DB != 2 || !cfg.TLSEnabled || cfg.ClientName != "aip-weave-gateway" {
		t.Fatalf("unexpected redis config: %+v", cfg)
	}
}
