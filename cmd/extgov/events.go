package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/toolink/extgov/notify"
)

func newEventsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Drain the shared Redis event list to the log",
		Long: `Pops events pushed by every extgov process to notify.list and logs them.
Events are consumed: a serving host reading the same list will not see what
this command pops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			rdb, err := a.redis(cmd.Context())
			if err != nil {
				return err
			}

			consumer := notify.NewRedisConsumer(rdb, notify.LogSink{}, notify.WithList(c.cfg.Notify.List))
			consumer.Start()
			log.Info().Str("list", c.cfg.Notify.List).Msg("waiting for events, interrupt to stop")
			<-cmd.Context().Done()
			consumer.Stop()
			return nil
		},
	}
}
