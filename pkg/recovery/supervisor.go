package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
)

// CleanupDeadProcesses removes pids rows whose process is gone. Locally
// launched agents register their PID; a crashed agent leaves the row behind.
func (s *Sweeper) CleanupDeadProcesses(ctx context.Context) (int, error) {
	rows, err := s.client.DB().QueryContext(ctx, `SELECT agent, pid FROM pids`)
	if err != nil {
		return 0, fmt.Errorf("listing registered pids: %w", err)
	}
	defer rows.Close()

	type pidRow struct {
		agent string
		pid   int
	}
	var registered []pidRow
	for rows.Next() {
		var r pidRow
		if err := rows.Scan(&r.agent, &r.pid); err != nil {
			return 0, fmt.Errorf("scanning pid row: %w", err)
		}
		registered = append(registered, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, r := range registered {
		if pidAlive(r.pid) {
			continue
		}
		if _, err := s.client.DB().ExecContext(ctx,
			`DELETE FROM pids WHERE agent = $1`, r.agent); err != nil {
			return removed, fmt.Errorf("removing dead pid for %s: %w", r.agent, err)
		}
		removed++
		slog.Info("Cleaned up dead PID", "agent", r.agent, "pid", r.pid)
	}
	return removed, nil
}

// pidAlive reports whether the process exists. Signal 0 probes without
// delivering; EPERM still means the process is there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
