// Package watch streams relayed scheduler events to a terminal or a JSON consumer.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/lodge/internal/relay"
	"github.com/dyluth/lodge/pkg/eventbus"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable output with timestamps and emojis.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON for programmatic processing.
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// Source is where relayed events come from. *relay.Client satisfies it.
type Source interface {
	Recent(ctx context.Context, limit int64) ([]eventbus.Event, error)
	Subscribe(ctx context.Context) (*relay.Subscription, error)
}

// Options controls what StreamActivity prints.
type Options struct {
	Format OutputFormat
	Filter eventbus.Filter
	Since  time.Time // replay logged events at or after Since; zero replays none
	Follow bool      // keep streaming live events after the replay
	Errors io.Writer // receives subscription warnings; nil discards them
}

// StreamActivity writes logged events newer than opts.Since, then live
// events until ctx is cancelled when opts.Follow is set.
func StreamActivity(ctx context.Context, src Source, opts Options, w io.Writer) error {
	if opts.Format == "" {
		opts.Format = OutputFormatDefault
	}
	if opts.Errors == nil {
		opts.Errors = io.Discard
	}

	// Subscribe before replaying so no event falls between the two.
	var sub *relay.Subscription
	if opts.Follow {
		var err error
		sub, err = src.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to events: %w", err)
		}
		defer sub.Close()
	}

	replayed := make(map[string]bool)
	if !opts.Since.IsZero() {
		events, err := src.Recent(ctx, 0)
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}
		for _, ev := range events {
			if ev.Timestamp.Before(opts.Since) || !visible(opts.Filter, ev) {
				continue
			}
			replayed[ev.ID] = true
			if err := writeEvent(w, opts.Format, ev); err != nil {
				return err
			}
		}
	}

	if sub == nil {
		return nil
	}

	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(opts.Errors, "⚠️  %v\n", err)
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if replayed[ev.ID] || !visible(opts.Filter, ev) {
				continue
			}
			if err := writeEvent(w, opts.Format, ev); err != nil {
				return err
			}
		}
	}
}

// visible applies the filter to everything except drop markers, which are always shown.
func visible(f eventbus.Filter, ev eventbus.Event) bool {
	return ev.Type == eventbus.EventEventsDropped || f.Matches(ev)
}

func writeEvent(w io.Writer, format OutputFormat, ev eventbus.Event) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	line := fmt.Sprintf("[%s] %s", ev.Timestamp.Local().Format("15:04:05"), FormatEvent(ev))
	_, err := colorFor(ev).Fprintln(w, line)
	return err
}
