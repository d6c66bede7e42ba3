package tts

import "time"

// deadline is a single armed timer. Each arm bumps the sequence number so a
// firing that raced with cancel or re-arm can be recognised as stale by the
// event loop.
type deadline struct {
	timer *time.Timer
	seq   uint64
}

func (d *deadline) arm(after time.Duration, fire func(seq uint64)) {
	d.cancel()
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(after, func() { fire(seq) })
}

func (d *deadline) cancel() {
	if d.timer == nil {
		return
	}

	d.timer.Stop()
	d.timer = nil
}

// current reports whether seq belongs to the timer that is still armed.
func (d *deadline) current(seq uint64) bool {
	return d.timer != nil && d.seq == seq
}
