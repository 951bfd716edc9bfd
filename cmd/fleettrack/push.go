package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetdesk/fleettrack/internal/config"
	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/fleet"
	"github.com/fleetdesk/fleettrack/internal/fleet/store"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

func newPushCommand(a *app) *cobra.Command {
	var (
		speed   float64
		heading float64
		at      string
	)
	cmd := &cobra.Command{
		Use:   "push <vehicle-id> <lat> <lng>",
		Short: "Record a position sample and announce it on the feed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := parseSample(args, speed, heading, cmd.Flags().Changed("heading"), at)
			if err != nil {
				return err
			}

			st, _, err := a.openStore()
			if err != nil {
				return err
			}
			known, err := st.HasVehicle(ctx, s.EntityID)
			if err != nil {
				return err
			}
			if !known {
				return fmt.Errorf("%w: %s", fleet.ErrUnknownVehicle, s.EntityID)
			}
			if err := st.InsertPosition(ctx, s); err != nil {
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
				if err := pub.Publish(ctx, feed.RowFromSample(s)); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %s at %.5f,%.5f (%s)\n", s.EntityID, s.Latitude, s.Longitude, s.Timestamp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 0, "speed in km/h")
	cmd.Flags().Float64Var(&heading, "heading", 0, "heading in degrees")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 timestamp (default now)")
	return cmd
}

func parseSample(args []string, speed, heading float64, hasHeading bool, at string) (core.PositionSample, error) {
	lat, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return core.PositionSample{}, fmt.Errorf("latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return core.PositionSample{}, fmt.Errorf("longitude: %w", err)
	}
	ts := time.Now().UTC()
	if at != "" {
		if ts, err = time.Parse(time.RFC3339, at); err != nil {
			return core.PositionSample{}, fmt.Errorf("timestamp: %w", err)
		}
	}
	s := core.PositionSample{EntityID: args[0], Latitude: lat, Longitude: lng, Timestamp: ts, Speed: speed}
	if hasHeading {
		s.Heading = core.HeadingPtr(heading)
	}
	return s, s.Validate()
}

func newVehicleCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vehicle",
		Short: "Manage vehicles in the fleet store",
	}

	var (
		plate, name, status, operatorID, operatorName string
	)
	upsert := &cobra.Command{
		Use:   "upsert <vehicle-id>",
		Short: "Create or update a vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := store.VehicleInput{ID: args[0], Plate: plate, Name: name}
			st, err := core.ParseStatus(status)
			if err != nil {
				return err
			}
			in.Status = st
			if operatorID != "" {
				in.Operator = &core.Operator{ID: operatorID, Name: operatorName}
			}
			s, _, err := a.openStore()
			if err != nil {
				return err
			}
			if err := s.UpsertVehicle(cmd.Context(), in); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vehicle %s saved\n", in.ID)
			return nil
		},
	}
	upsert.Flags().StringVar(&plate, "plate", "", "licence plate")
	upsert.Flags().StringVar(&name, "name", "", "display name")
	upsert.Flags().StringVar(&status, "status", string(core.StatusAvailable), "available, assigned, blocked or maintenance")
	upsert.Flags().StringVar(&operatorID, "operator-id", "", "assigned operator id")
	upsert.Flags().StringVar(&operatorName, "operator-name", "", "assigned operator name")

	setStatus := &cobra.Command{
		Use:   "status <vehicle-id> <status>",
		Short: "Change a vehicle's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := core.ParseStatus(args[1])
			if err != nil {
				return err
			}
			s, _, err := a.openStore()
			if err != nil {
				return err
			}
			return s.SetStatus(cmd.Context(), args[0], st)
		},
	}

	cmd.AddCommand(upsert, setStatus)
	return cmd
}
