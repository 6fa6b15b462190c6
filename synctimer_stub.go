//go:build !jack

package loopcore

import "fmt"

// JackSyncTimer is a stand-in used when the binary is built without
// JACK support. Every method reports the same informative error so
// callers can degrade gracefully instead of crashing, matching the
// teacher's jack_stub.go pattern.
type JackSyncTimer struct{}

func NewJackSyncTimer(st *SyncTimer) (*JackSyncTimer, error) {
	return nil, fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (j *JackSyncTimer) Activate() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (j *JackSyncTimer) Close() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}
