package channel

// IO is the opaque handle a Channel passes to its Protocol's hooks. It
// exposes only a readable RX view, RX consumption, and TX send — nothing
// that would let a protocol reach into the channel's own state machine.
type IO struct {
	ch *Channel
}

// RXView returns the currently readable RX bytes. The slice is only valid
// until the next RXConsume or the end of the current OnRead call.
func (io *IO) RXView() []byte {
	return io.ch.rx.ReadableSpan(io.ch.rx.Used())
}

// RXConsume removes the first k bytes of the RX view.
func (io *IO) RXConsume(k int) {
	io.ch.rx.Consume(k)
}

// TXSend enqueues bytes onto the TX buffer. It returns how many bytes were
// actually queued and whether the buffer filled or refused the write
// outright.
func (io *IO) TXSend(p []byte) (int, SendResult) {
	if io.ch.state == Closed || io.ch.state == Aborting {
		return 0, SendForbidden
	}
	n := io.ch.tx.WriteFrom(p)
	if n == len(p) {
		return n, SendFull
	}
	return n, SendPartial
}
