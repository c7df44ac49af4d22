package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	app "github.com/plaza-social/plaza/internal/app"
)

// jobCommand runs one scheduled job outside the server, for cron-less
// deployments and manual recovery.
func jobCommand() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "job [name]",
		Short: "Run a maintenance job once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			application, err := app.New(cmd.Context(), cfg, app.Dependencies{}, log)
			if err != nil {
				return err
			}
			defer application.Stop(cmd.Context())

			if list || len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(application.Scheduler.Jobs(), "\n"))
				return nil
			}
			n, err := application.Scheduler.RunNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d affected\n", args[0], n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list job names")
	return cmd
}
