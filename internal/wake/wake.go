// Package wake arms the external wake source and puts the board to sleep.
package wake

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/mailbox-notifier/internal/hal"
)

// Arm registers pin at level as the deep-sleep wake trigger. It must run
// before Sleep or the board only wakes on reset.
func Arm(ctrl hal.WakeController, pin hal.Pin, level hal.Level) error {
	if err := ctrl.EnableExtWakeup(pin, level); err != nil {
		return fmt.Errorf("failed to arm wake pin %d (%s): %w", pin, level, err)
	}
	slog.Debug("wake source armed", "pin", pin, "level", level.String())
	return nil
}

// Sleep enters deep sleep. On hardware it does not return and execution
// resumes at program start with only retained state intact. On host
// drivers it returns after the suspend hook and the caller must exit.
func Sleep(ctx context.Context, s hal.Sleeper, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("going to sleep now")
	if err := s.DeepSleep(ctx); err != nil {
		return fmt.Errorf("deep sleep failed: %w", err)
	}
	return nil
}
