package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/events"
	"github.com/Guizzs26/booking-sync/pkg/infra"
)

type EventsOptions struct {
	*RootOptions
	Sink  string
	Queue string
	Group string
}

func newEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow booking outcome events on the configured broker",
		Long: `Print BookingSynced and BookingSyncFailed events as they are published.

The sink defaults to EVENTS_SINK. With RabbitMQ an exclusive queue is used
unless --queue names a durable one; with Kafka the reader joins --group.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Sink, "sink", "", "rabbitmq|kafka (default EVENTS_SINK)")
	cmd.Flags().StringVar(&opts.Queue, "queue", "", "durable RabbitMQ queue to consume from")
	cmd.Flags().StringVar(&opts.Group, "group", "syncctl-events", "Kafka consumer group")
	return cmd
}

func newSubscriber(cfg config.Config, opts *EventsOptions, logger *slog.Logger) (events.Subscriber, error) {
	sink := opts.Sink
	if sink == "" {
		sink = cfg.EventsSink
	}
	switch sink {
	case "rabbitmq":
		return events.NewRabbitMQSubscriber(cfg.RabbitMQURL, opts.Queue, logger)
	case "kafka":
		return events.NewKafkaSubscriber(cfg.KafkaBrokers, opts.Group, events.DefaultKafkaTopic, logger), nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("no event sink to follow (sink %q)", sink))
	}
}

func runEvents(cmd *cobra.Command, opts *EventsOptions) error {
	cfg := opts.load()
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := infra.NewLogger(cmd.ErrOrStderr(), cfg.LogFormat, level)

	sub, err := newSubscriber(cfg, opts, logger)
	if err != nil {
		if GetExitCode(err) == ExitCommandError {
			return err
		}
		return WrapExitError(ExitCommandError, "subscribe", err)
	}
	defer sub.Close()

	w := cmd.OutOrStdout()
	return sub.Subscribe(cmd.Context(), func(_ context.Context, e events.Envelope) error {
		return printEvent(w, opts.Format, e)
	})
}

func printEvent(w io.Writer, format string, e events.Envelope) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(e)
	}
	_, err := fmt.Fprintf(w, "%s %-18s %s %s\n",
		e.OccurredAt.Local().Format("15:04:05"), e.EventType, e.CorrelationID, e.Payload)
	return err
}
