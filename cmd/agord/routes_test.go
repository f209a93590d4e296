package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agor-sh/agor/internal/common/config"
)

func TestPublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DaemonConfig
		want string
	}{
		{"explicit public url wins", config.DaemonConfig{PublicURL: "https://agor.example.com", Host: "0.0.0.0", Port: 3030}, "https://agor.example.com"},
		{"wildcard host becomes loopback", config.DaemonConfig{Host: "0.0.0.0", Port: 3030}, "http://127.0.0.1:3030"},
		{"empty host becomes loopback", config.DaemonConfig{Port: 8080}, "http://127.0.0.1:8080"},
		{"named host is kept", config.DaemonConfig{Host: "agor.internal", Port: 3030}, "http://agor.internal:3030"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, publicURL(&config.Config{Daemon: tt.cfg}))
		})
	}
}
