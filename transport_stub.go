//go:build !jack

package loopcore

import "fmt"

// TransportManager is a stand-in used when built without JACK support.
type TransportManager struct{}

func NewTransportManager(st *SyncTimer, jst *JackSyncTimer) (*TransportManager, error) {
	return nil, fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (tm *TransportManager) Activate() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}

func (tm *TransportManager) Close() error {
	return fmt.Errorf("loopcore: JACK support not enabled (build with -tags jack)")
}
