package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetdesk/fleettrack/internal/config"
	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/fleet"
	"github.com/fleetdesk/fleettrack/internal/geo"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

func newReplayCommand(a *app) *cobra.Command {
	var (
		interval time.Duration
		end      string
	)
	cmd := &cobra.Command{
		Use:   "replay <vehicle-id> <path>",
		Short: "Record a drive along a path as a series of position samples",
		Long: `replay turns a path into timestamped samples for one vehicle, one point per
interval, ending at --end (default now). The path is a JSON array of
[lng,lat] pairs. Speed and heading are derived from consecutive points.`,
		Example: `  fleettrack replay V1 '[[14.40,35.90],[14.41,35.91],[14.43,35.91]]' --interval 30s`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			points, err := geo.ParsePolyline(args[1])
			if err != nil {
				return err
			}
			last := time.Now().UTC()
			if end != "" {
				if last, err = time.Parse(time.RFC3339, end); err != nil {
					return fmt.Errorf("end: %w", err)
				}
			}
			samples, err := replaySamples(args[0], points, last, interval)
			if err != nil {
				return err
			}

			st, _, err := a.openStore()
			if err != nil {
				return err
			}
			known, err := st.HasVehicle(ctx, args[0])
			if err != nil {
				return err
			}
			if !known {
				return fmt.Errorf("%w: %s", fleet.ErrUnknownVehicle, args[0])
			}
			n, err := st.InsertPositions(ctx, samples)
			if err != nil {
				return err
			}

			feedCfg, err := config.GetFeedConfig()
			if err != nil {
				return err
			}
			pub, release, err := buildPublisher(ctx, feedCfg)
			if err != nil {
				return fmt.Errorf("connecting publisher: %w", err)
			}
			defer release()
			if pub != nil {
				for _, s := range samples {
					if err := pub.Publish(ctx, feed.RowFromSample(s)); err != nil {
						return err
					}
				}
			}

			coords := make([]core.LatLng, len(samples))
			for i, s := range samples {
				coords[i] = s.Position()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %d sample(s) for %s over %.2f km\n", n, args[0], geo.PathLength(coords)/1000)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "time between consecutive points")
	cmd.Flags().StringVar(&end, "end", "", "RFC3339 timestamp of the last point (default now)")
	return cmd
}

// replaySamples spaces points evenly so the final one lands at last. The
// first point has no heading and zero speed.
func replaySamples(id string, points []core.LatLng, last time.Time, interval time.Duration) ([]core.PositionSample, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	start := last.Add(-time.Duration(len(points)-1) * interval)
	out := make([]core.PositionSample, len(points))
	for i, p := range points {
		s := core.PositionSample{
			EntityID:  id,
			Latitude:  p.Lat,
			Longitude: p.Lng,
			Timestamp: start.Add(time.Duration(i) * interval).UTC(),
		}
		if i > 0 {
			prev := points[i-1]
			s.Speed = geo.Distance(prev, p) / interval.Seconds() * 3.6
			s.Heading = core.HeadingPtr(geo.Bearing(prev, p))
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}
