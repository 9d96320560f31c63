//go:build !unix

package killswitch

import "context"

// HandleSignals is a no-op where SIGUSR1 and SIGUSR2 do not exist.
func (s *Switch) HandleSignals(ctx context.Context) {
	<-ctx.Done()
}
