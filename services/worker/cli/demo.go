package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-recycler/internal/harness"
	"github.com/ramiqadoumi/go-task-recycler/services/worker/config"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Reproduce the leak, inspect it, flush and inspect again, all in-process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load(viper.GetViper())
		logger := buildLogger(cfg.LogLevel, serviceName)

		h, err := newHarness(cfg, logger)
		if err != nil {
			return err
		}
		defer h.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		_, err = runDemo(ctx, h, cmd.OutOrStdout())
		return err
	},
}

// DemoResult is what runDemo observed at each step.
type DemoResult struct {
	Leak   harness.LeakReport
	Before harness.NamedInspection
	After  harness.NamedInspection
}

// Reproduced is true when the listener was pinned before the flush and
// released by it.
func (r DemoResult) Reproduced() bool {
	return r.Leak.Collided && r.Before.Alive && r.Before.Reachable && !r.After.Reachable
}

func runDemo(ctx context.Context, h *harness.Harness, out io.Writer) (DemoResult, error) {
	const name = "demo-listener"
	var res DemoResult

	leak, err := h.CreateLeak(ctx, name)
	if err != nil {
		return res, fmt.Errorf("create leak: %w", err)
	}
	res.Leak = leak
	fmt.Fprintf(out, "create-leak  worker=%s task=%d collided=%t\n", leak.WorkerID, leak.TaskID, leak.Collided)

	if res.Before, err = h.InspectNamed(name); err != nil {
		return res, err
	}
	printInspection(out, "inspect", res.Before)

	rep, err := h.Flush(ctx)
	if err != nil {
		return res, fmt.Errorf("flush: %w", err)
	}
	fmt.Fprintf(out, "flush        flushed=%d skipped=%d\n", len(rep.Flushed), len(rep.Skipped))

	if res.After, err = h.InspectNamed(name); err != nil {
		return res, err
	}
	printInspection(out, "inspect", res.After)

	if res.Reproduced() {
		fmt.Fprintln(out, "result       leak reproduced and repaired")
	} else {
		fmt.Fprintln(out, "result       leak not reproduced (pool traffic handed the binder another task)")
	}
	return res, nil
}

func printInspection(out io.Writer, label string, insp harness.NamedInspection) {
	fmt.Fprintf(out, "%-12s name=%s alive=%t reachable=%t", label, insp.Name, insp.Alive, insp.Reachable)
	for _, p := range insp.Pins {
		fmt.Fprintf(out, " pin=%s/%d/%s", p.WorkerID, p.TaskID, p.Ownership)
	}
	fmt.Fprintln(out)
}
