package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultYAML = `# go-task-recycler config
# Priority: CLI flag > environment (RECYCLER_*) > this file > default.

log_level:    "info"
admin_addr:   ":8080"
metrics_addr: ":9091"

workers:       2         # standby workers started with serve
reap_schedule: ""        # e.g. "@every 30s"; empty disables periodic flush
max_retries:   0
task_timeout:  "5s"      # accepts Go duration strings: 500ms, 5s, 1m
pool_prealloc: 0
strict:        false     # panic on a double release instead of logging it
view_bytes:    1048576   # size of the view each create-leak listener holds

# Client subcommands (create-leak, flush, inspect) talk to this address.
admin_url: "http://localhost:8080"

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
# trace_sample_ratio: 1.0
`

func newInitCmd(name, contents string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/.go-task-recycler/%s.yaml.
Fails if the file already exists unless --force is passed.`, name, name),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".go-task-recycler", name+".yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(contents), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
