// Package audiosource defines the AudioSource capability interface that
// AudioManager drives, plus a malgo-backed reference implementation for
// development and test rigs. Production targets supply their own driver
// satisfying the same interface; the actual microphone/DMA stack is an
// external collaborator per the core's scope.
package audiosource

import "time"

// Source is the capability interface AudioManager's capture loop drives.
// ReadFrame must return exactly frameSamples int16 samples or an error; a
// short read is reported as an error rather than a partial slice, so the
// caller never has to guess how much of the frame is valid.
type Source interface {
	// ReadFrame blocks until one full frame is available or deadline has
	// passed, whichever comes first.
	ReadFrame(out []int16, deadline time.Time) error
	Start() error
	Stop() error
	Close() error
}
