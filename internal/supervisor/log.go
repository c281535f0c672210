package supervisor

import "log/slog"

func (s *Supervisor) logError(msg string, args ...any) {
	slog.Error("[ERROR-SUPERVISOR] "+msg, args...)
}

func (s *Supervisor) logWarn(msg string, args ...any) {
	slog.Warn("[WARN-SUPERVISOR] "+msg, args...)
}

func (s *Supervisor) logInfo(msg string, args ...any) {
	slog.Info("[INFO-SUPERVISOR] "+msg, args...)
}
