package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fortifyvision/saferoute/internal/application"
	"github.com/fortifyvision/saferoute/internal/domain"
)

func printJSON(v any) error {
	b, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printKV(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	_ = w.Flush()
}

func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatCoordinate(c domain.Coordinate) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}

func printRoute(item domain.Route) {
	rows := [][2]string{
		{"id", item.ID},
		{"status", string(item.Status)},
		{"terrain", item.TerrainProfile},
		{"start", formatCoordinate(item.Start())},
		{"end", formatCoordinate(item.End())},
		{"distance_km", strconv.FormatFloat(item.TotalDistance, 'f', 2, 64)},
		{"safety_score", strconv.FormatFloat(item.SafetyScore, 'f', 1, 64)},
		{"waypoints", strconv.Itoa(len(item.Path))},
		{"rerouted", strconv.FormatBool(item.Rerouted)},
	}
	if item.SupersedesRouteID != "" {
		rows = append(rows, [2]string{"supersedes", item.SupersedesRouteID})
	}
	if item.RerouteReason != "" {
		rows = append(rows, [2]string{"reroute_reason", item.RerouteReason})
	}
	rows = append(rows, [2]string{"created_at", formatTime(item.CreatedAt)})
	printKV(rows)
}

func printRoutes(items []domain.Route) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			string(item.Status),
			item.TerrainProfile,
			strconv.FormatFloat(item.TotalDistance, 'f', 2, 64),
			strconv.FormatFloat(item.SafetyScore, 'f', 1, 64),
			formatTime(item.CreatedAt),
		})
	}
	printTable([]string{"ID", "STATUS", "TERRAIN", "DISTANCE_KM", "SAFETY", "CREATED_AT"}, rows)
}

func printThreats(items []domain.ThreatReport) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			string(item.Category),
			string(item.Severity),
			formatCoordinate(item.Location),
			formatTime(item.ReportedAt),
		})
	}
	printTable([]string{"ID", "CATEGORY", "SEVERITY", "LOCATION", "REPORTED_AT"}, rows)
}

func printFeedback(items []domain.Feedback) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(item.ID), 10),
			item.RouteID,
			strconv.Itoa(item.Rating),
			item.Comments,
			formatTime(item.CreatedAt),
		})
	}
	printTable([]string{"ID", "ROUTE_ID", "RATING", "COMMENTS", "CREATED_AT"}, rows)
}

func printModelInfo(item application.ModelInfo) {
	printKV([][2]string{
		{"name", item.Name},
		{"version", item.Version},
		{"description", item.Description},
		{"profiles", joinOrDash(item.TerrainProfiles)},
		{"severity_low", strconv.FormatFloat(item.Weights.SeverityLow, 'f', 1, 64)},
		{"severity_medium", strconv.FormatFloat(item.Weights.SeverityMedium, 'f', 1, 64)},
		{"severity_high", strconv.FormatFloat(item.Weights.SeverityHigh, 'f', 1, 64)},
		{"safety_margin_km", strconv.FormatFloat(item.Weights.SafetyMarginKm, 'f', 2, 64)},
	})
}
