package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/keyword-job-tracker/internal/devserver"
)

func newDevServerCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:         "devserver",
		Short:       "Run a local stand-in for the analysis service",
		Annotations: map[string]string{skipAppAnnotation: "true"},
		Long: `Serves the job endpoints and the live progress feed from memory. Started
jobs walk through a scripted sequence of stages; seeds containing "fail" end in
an error so both outcomes can be exercised locally.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if port <= 0 {
				port = rt.cfg.DevServer.Port
			}
			srv := devserver.New(devserver.Options{
				StepDelay:         time.Duration(rt.cfg.DevServer.StepDelayMs) * time.Millisecond,
				HeartbeatInterval: time.Duration(rt.cfg.DevServer.HeartbeatIntervalMs) * time.Millisecond,
				Token:             rt.cfg.Auth.Token,
				Logger:            rt.logger.Named("devserver"),
			})
			return srv.ListenAndServe(cmd.Context(), fmt.Sprintf(":%d", port))
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (defaults to devserver.port)")
	return cmd
}
