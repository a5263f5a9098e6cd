package hce

import (
	"context"

	"github.com/openrelayd/relayd/config"
)

// Prober implements one health-check method. Check returns
// whether the host is currently healthy; a non-nil err means the probe
// itself could not run (e.g. a dial error) and is treated the same as a
// failed check, but is logged with more detail.
type Prober interface {
	Check(ctx context.Context, t *config.Table, h *config.Host) (ok bool, err error)
}

// Registry maps a check method to the Prober that implements it.
func Registry(script *ScriptProber) map[config.CheckMethod]Prober {
	return map[config.CheckMethod]Prober{
		config.CheckTCP:        &TCPProber{},
		config.CheckHTTP:       &HTTPProber{UseTLS: false},
		config.CheckHTTPS:      &HTTPProber{UseTLS: true},
		config.CheckICMP:       &ICMPProber{},
		config.CheckSendExpect: &SendExpectProber{},
		config.CheckScript:     script,
	}
}
