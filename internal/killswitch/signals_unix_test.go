//go:build unix

package killswitch

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleSignal(t *testing.T) {
	tests := []struct {
		sig    syscall.Signal
		method Method
	}{
		{syscall.SIGUSR1, MethodExternalSignal},
		{syscall.SIGUSR2, MethodEmergencyOverride},
	}
	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			f := newFixture(t)
			f.ks.handleSignal(context.Background(), tt.sig)

			st := f.ks.Status()
			assert.True(t, st.Active)
			assert.Equal(t, tt.method, st.Method)
			assert.Equal(t, "os_signal", st.TriggeredBy)
		})
	}
}
