// Package echo implements a loopback reference protocol, used by tests
// and as the demo protocol wired into cmd/odinkvd.
package echo

import (
	"github.com/odin-labs/odinkv/internal/channel"
)

// Protocol echoes every byte it reads straight back onto TX. It holds no
// per-connection state, so a single instance may be shared or a fresh one
// constructed per connection — New returns a fresh one for symmetry with
// protocols that do carry state.
type Protocol struct{}

// New returns a stateless echo Protocol.
func New() channel.Protocol { return &Protocol{} }

// OnRead sends back whatever is currently readable and consumes exactly
// what TXSend accepted, leaving any overflow in RX for the next
// iteration — the expected back-off behavior from a protocol on a
// Partial send.
func (p *Protocol) OnRead(io *channel.IO) {
	view := io.RXView()
	if len(view) == 0 {
		return
	}
	n, _ := io.TXSend(view)
	io.RXConsume(n)
}

// OnError does nothing further; the reactor has already accounted the
// error and will close the channel on its next eligibility check.
func (p *Protocol) OnError(io *channel.IO, err error) {}

// OnClose does nothing; echo carries no per-connection resources to
// release.
func (p *Protocol) OnClose(io *channel.IO) {}
