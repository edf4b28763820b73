package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/services/process"
)

const schedulerTimeout = 30 * time.Second

// Scheduler registers tasks with the operating system.
type Scheduler interface {
	Register(ctx context.Context, t Task) error
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

// NewScheduler returns the task scheduler for goos.
func NewScheduler(runner process.Runner, goos string) Scheduler {
	if goos == "windows" {
		return &Schtasks{runner: runner}
	}
	return &Crontab{runner: runner}
}

// Schtasks drives the Windows task scheduler.
type Schtasks struct {
	runner process.Runner
}

// Register creates or replaces the task.
func (s *Schtasks) Register(ctx context.Context, t Task) error {
	res, err := s.runner.Run(ctx, process.Command{Name: "schtasks", Args: CreateArgs(t), Timeout: schedulerTimeout})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("schtasks /Create failed with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Exists reports whether the task is registered.
func (s *Schtasks) Exists(ctx context.Context, name string) (bool, error) {
	res, err := s.runner.Run(ctx, process.Command{Name: "schtasks", Args: []string{"/Query", "/TN", name}, Timeout: schedulerTimeout})
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// Delete removes the task. A missing task is not an error.
func (s *Schtasks) Delete(ctx context.Context, name string) error {
	exists, err := s.Exists(ctx, name)
	if err != nil || !exists {
		return err
	}
	res, err := s.runner.Run(ctx, process.Command{Name: "schtasks", Args: []string{"/Delete", "/TN", name, "/F"}, Timeout: schedulerTimeout})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("schtasks /Delete failed with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Crontab keeps tasks as marked lines in the user's crontab.
type Crontab struct {
	runner process.Runner
}

func cronMarker(name string) string {
	return "# nextcloud-restore:" + cronEscape(name)
}

// cronEscape protects % from cron, which would otherwise turn it into a newline.
func cronEscape(s string) string {
	return strings.ReplaceAll(s, "%", `\%`)
}

func (c *Crontab) read(ctx context.Context) ([]string, error) {
	res, err := c.runner.Run(ctx, process.Command{Name: "crontab", Args: []string{"-l"}, Timeout: schedulerTimeout})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if strings.Contains(strings.ToLower(string(res.Stderr)), "no crontab") {
			return nil, nil
		}
		return nil, fmt.Errorf("crontab -l failed with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (c *Crontab) write(ctx context.Context, lines []string) error {
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	res, err := c.runner.Run(ctx, process.Command{
		Name:    "crontab",
		Args:    []string{"-"},
		Stdin:   strings.NewReader(content),
		Timeout: schedulerTimeout,
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("crontab failed with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

func without(lines []string, name string) ([]string, bool) {
	marker := cronMarker(name)
	kept := lines[:0:0]
	found := false
	for _, l := range lines {
		if strings.HasSuffix(l, marker) {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	return kept, found
}

// Register creates or replaces the task's crontab line.
func (c *Crontab) Register(ctx context.Context, t Task) error {
	spec, err := CronSpec(t)
	if err != nil {
		return err
	}
	lines, err := c.read(ctx)
	if err != nil {
		return err
	}
	lines, _ = without(lines, t.Name)
	lines = append(lines, fmt.Sprintf("%s %s %s", spec, cronEscape(t.Command), cronMarker(t.Name)))
	return c.write(ctx, lines)
}

// Exists reports whether the task has a crontab line.
func (c *Crontab) Exists(ctx context.Context, name string) (bool, error) {
	lines, err := c.read(ctx)
	if err != nil {
		return false, err
	}
	_, found := without(lines, name)
	return found, nil
}

// Delete removes the task's crontab line.
func (c *Crontab) Delete(ctx context.Context, name string) error {
	lines, err := c.read(ctx)
	if err != nil {
		return err
	}
	kept, found := without(lines, name)
	if !found {
		return nil
	}
	return c.write(ctx, kept)
}
