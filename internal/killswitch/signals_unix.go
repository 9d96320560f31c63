//go:build unix

package killswitch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// HandleSignals triggers the switch on SIGUSR1 (graceful) and SIGUSR2
// (emergency) until ctx is done.
func (s *Switch) HandleSignals(ctx context.Context) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)
	s.signals.Store(true)
	defer s.signals.Store(false)

	s.logger.Info("kill switch signal handlers installed", "signals", "SIGUSR1,SIGUSR2")
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			s.handleSignal(ctx, sig)
		}
	}
}

func (s *Switch) handleSignal(ctx context.Context, sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		s.logger.Error("kill switch signal received", "signal", sig.String())
		s.Trigger(ctx, fmt.Sprintf("OS signal received: %s", sig), MethodExternalSignal, "os_signal")
	case syscall.SIGUSR2:
		s.logger.Error("emergency kill switch signal received", "signal", sig.String())
		s.Trigger(ctx, fmt.Sprintf("Emergency OS signal received: %s", sig), MethodEmergencyOverride, "os_signal")
	}
}
