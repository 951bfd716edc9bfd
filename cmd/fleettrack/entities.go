package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/fleetdesk/fleettrack/internal/api"
	"github.com/fleetdesk/fleettrack/internal/config"
	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/feed/redisfeed"
	"github.com/fleetdesk/fleettrack/internal/geo"
	"github.com/fleetdesk/fleettrack/internal/marker"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

func newEntitiesCommand(a *app) *cobra.Command {
	var server, query string
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List tracked vehicles and their last positions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var (
				entities []core.TrackedEntity
				err      error
			)
			if server != "" {
				entities, err = api.NewClient(server).Entities(ctx, query)
			} else {
				st, _, openErr := a.openStore()
				if openErr != nil {
					return openErr
				}
				entities, err = st.ListTrackedEntities(ctx)
				if err == nil {
					err = a.overlayRedis(ctx, entities)
				}
				entities = filterEntities(entities, query)
			}
			if err != nil {
				return err
			}
			writeEntities(cmd.OutOrStdout(), entities, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "read from a running server instead of the store (e.g. http://localhost:8080)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "filter by plate or operator")
	return cmd
}

// overlayRedis applies last known positions the Redis feed holds, which may
// be newer than the store when nothing records that feed.
func (a *app) overlayRedis(ctx context.Context, entities []core.TrackedEntity) error {
	feedCfg, err := config.GetFeedConfig()
	if err != nil || feedCfg.Transport != "redis" {
		return err
	}
	rdb := redisClient(feedCfg.Redis)
	defer rdb.Close()

	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	rows, err := redisfeed.NewPublisher(rdb, redisfeed.Config{Channel: feedCfg.Redis.Channel}).LastKnown(ctx, ids)
	if err != nil {
		a.logger.Warn("Redis last known positions unavailable", "error", err)
		return nil
	}
	overlayLastKnown(entities, rows)
	return nil
}

// overlayLastKnown replaces each entity's last position with the row for it
// when the row is newer. It returns how many were replaced.
func overlayLastKnown(entities []core.TrackedEntity, rows map[string]feed.Row) int {
	n := 0
	for i := range entities {
		row, ok := rows[entities[i].ID]
		if !ok {
			continue
		}
		s, err := row.Sample()
		if err != nil {
			continue
		}
		if last := entities[i].LastPosition; last != nil && !s.NewerThan(*last) {
			continue
		}
		entities[i].LastPosition = &s
		n++
	}
	return n
}

func filterEntities(in []core.TrackedEntity, query string) []core.TrackedEntity {
	out := in[:0]
	for _, e := range in {
		if e.Matches(query) {
			out = append(out, e)
		}
	}
	return out
}

func writeEntities(w io.Writer, entities []core.TrackedEntity, now time.Time) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ID", "PLATE", "STATUS", "OPERATOR", "POSITION", "SPEED", "AGE")
	for _, e := range entities {
		pos, speed, age := "-", "-", "-"
		if p := e.LastPosition; p != nil {
			pos = fmt.Sprintf("%.5f,%.5f", p.Latitude, p.Longitude)
			speed = marker.SpeedText(p.Speed)
			age = now.Sub(p.Timestamp).Truncate(time.Second).String()
		}
		operator := e.OperatorName()
		if operator == "" {
			operator = "-"
		}
		table.AddRow(e.ID, e.Label, string(e.Status), operator, pos, speed, age)
	}
	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "%d vehicle(s)\n", len(entities))
}

func newHistoryCommand(a *app) *cobra.Command {
	var (
		server string
		hours  int
		points bool
	)
	cmd := &cobra.Command{
		Use:   "history <vehicle-id>",
		Short: "Summarise a vehicle's trailing position history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			var path core.HistoryPath
			if server != "" {
				report, err := api.NewClient(server).History(ctx, id, hours)
				if err != nil {
					return err
				}
				path = report.Path
			} else {
				st, _, err := a.openStore()
				if err != nil {
					return err
				}
				to := time.Now().UTC()
				from := to.Add(-time.Duration(hours) * time.Hour)
				samples, err := st.GetHistory(ctx, id, from, to)
				if err != nil {
					return err
				}
				path = core.HistoryPath{EntityID: id, From: from, To: to, Points: samples}
			}
			writeHistory(cmd.OutOrStdout(), path, points)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "read from a running server instead of the store")
	cmd.Flags().IntVar(&hours, "hours", 24, "window length in hours")
	cmd.Flags().BoolVar(&points, "points", false, "print every point")
	return cmd
}

func writeHistory(w io.Writer, p core.HistoryPath, points bool) {
	p.SortPoints()
	coords := p.Coordinates()

	table := uitable.New()
	table.AddRow("Vehicle:", p.EntityID)
	table.AddRow("Window:", fmt.Sprintf("%s to %s", p.From.Format(time.RFC3339), p.To.Format(time.RFC3339)))
	table.AddRow("Points:", len(p.Points))
	table.AddRow("Length:", fmt.Sprintf("%.2f km", geo.PathLength(coords)/1000))
	if b, ok := geo.BoundsOf(coords); ok {
		table.AddRow("Bounds:", fmt.Sprintf("%.5f,%.5f to %.5f,%.5f", b.SouthWest.Lat, b.SouthWest.Lng, b.NorthEast.Lat, b.NorthEast.Lng))
	}
	fmt.Fprintln(w, table)

	if !points || len(p.Points) == 0 {
		return
	}
	pts := uitable.New()
	pts.AddRow("TIME", "LAT", "LNG", "SPEED")
	for _, s := range p.Points {
		pts.AddRow(s.Timestamp.Format(time.RFC3339), s.Latitude, s.Longitude, marker.SpeedText(s.Speed))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, pts)
}
