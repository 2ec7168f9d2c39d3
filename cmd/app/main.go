package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	sqliteadapter "github.com/fortifyvision/saferoute/internal/adapters/db/sqlite"
	httpadapter "github.com/fortifyvision/saferoute/internal/adapters/http"
	rpcadapter "github.com/fortifyvision/saferoute/internal/adapters/rpcjson"
	"github.com/fortifyvision/saferoute/internal/application"
	"github.com/fortifyvision/saferoute/internal/config"
	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geoindex"
	"github.com/fortifyvision/saferoute/internal/monitor"
	"github.com/fortifyvision/saferoute/internal/planner"
	"github.com/fortifyvision/saferoute/internal/scoring"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "saferoute",
		Usage: "Threat-responsive route planning server and CLI",
		Commands: []*cli.Command{
			serverCommand(),
			authCommand(),
			routesCommand(),
			threatsCommand(),
			feedbackCommand(),
			modelCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, "saferoute.toml", "admin@saferoute.local", "admin")
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run HTTP and JSON-RPC servers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "saferoute.toml", Usage: "TOML config path"},
			&cli.StringFlag{Name: "bootstrap-operator-email", Value: "admin@saferoute.local", Usage: "initial operator email"},
			&cli.StringFlag{Name: "bootstrap-operator-password", Value: "admin", Usage: "initial operator password when operators are empty"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runServer(ctx, c.String("config"), c.String("bootstrap-operator-email"), c.String("bootstrap-operator-password"))
		},
	}
}

func runServer(ctx context.Context, configPath, bootstrapEmail, bootstrapPassword string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := sqliteadapter.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	if err := sqliteadapter.RunMigrations(ctx, db); err != nil {
		return err
	}
	repo := sqliteadapter.NewRouteRepository(db)

	index := geoindex.New(cfg.Planner.NodeSpacingDeg, cfg.Threats.TTL.Duration)
	terrains := make(map[string]*geoindex.Terrain, len(cfg.Profiles))
	graphs := make(map[string]*planner.Graph, len(cfg.Profiles))
	for name, profile := range cfg.Profiles {
		terrains[name] = geoindex.NewTerrain(name, profile, cfg.Planner.NodeSpacingDeg)
		graphs[name] = planner.BuildGrid(profile.Bounds, cfg.Planner.NodeSpacingDeg)
	}

	weights := scoring.WeightsFromConfig(cfg.Scoring)
	p := planner.New(graphs, weights, cfg.Planner.SnapToleranceKm, cfg.Planner.Timeout.Duration)
	mon := monitor.New(repo, p, index, terrains, cfg.Scoring.SafetyMarginKm, cfg.Monitor.FlapDelta, cfg.Monitor.ReplansPerMinute)
	service := application.NewRoutingService(repo, p, index, mon, terrains)

	if err := service.BootstrapOperator(ctx, bootstrapEmail, bootstrapPassword); err != nil {
		return err
	}
	if err := service.Restore(ctx); err != nil {
		return err
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go func() {
		ticker := time.NewTicker(cfg.Threats.TTL.Duration / 4)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				if pruned := service.PruneExpiredThreats(); pruned > 0 {
					log.Printf("pruned %d expired threats", pruned)
				}
				if dropped, err := service.PruneThreatHistory(pruneCtx); err != nil {
					log.Printf("threat history prune failed: %v", err)
				} else if dropped > 0 {
					log.Printf("dropped %d historical threats", dropped)
				}
			}
		}
	}()

	go func() {
		for update := range service.Updates() {
			log.Printf("route %s superseded by %s (threat %s, safety %.1f)",
				update.PreviousRouteID, update.RouteID, update.ThreatID, update.SafetyScore)
		}
	}()

	router := httpadapter.NewRouter(service)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	rpcSrv, err := rpcadapter.Start(cfg.Server.RPCSocket, service)
	if err != nil {
		return err
	}

	defer func() {
		_ = rpcSrv.Close()
	}()
	log.Printf("json-rpc listening on unix://%s", cfg.Server.RPCSocket)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authentication commands",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Login and store CLI token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "transport", Value: "uds"},
					&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080"},
					&cli.StringFlag{Name: "socket", Value: "/tmp/saferoute.sock"},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Required: true},
					&cli.StringFlag{Name: "token-name", Value: "cli"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := cliConfig{Transport: c.String("transport"), Server: c.String("server"), Socket: c.String("socket")}
					var out struct {
						Token string `json:"token"`
						Email string `json:"email"`
					}
					err := doLogin(ctx, cfg, c.String("email"), c.String("password"), c.String("token-name"), &out)
					if err != nil {
						return err
					}
					cfg.Token = out.Token
					if err := saveConfig(cfg); err != nil {
						return err
					}
					fmt.Printf("logged in as %s\n", out.Email)
					return nil
				},
			},
			{
				Name:  "whoami",
				Usage: "Show the operator behind the stored token",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "output raw JSON"}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						OperatorID  uint     `json:"operator_id"`
						Email       string   `json:"email"`
						Permissions []string `json:"permissions"`
					}
					if err := doWhoami(ctx, cfg, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printKV([][2]string{
						{"operator_id", strconv.FormatUint(uint64(out.OperatorID), 10)},
						{"email", out.Email},
						{"permissions", joinOrDash(out.Permissions)},
					})
					return nil
				},
			},
			{
				Name:  "logout",
				Usage: "Clear local CLI auth token",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					_ = doLogout(ctx, cfg)
					cfg.Token = ""
					if err := saveConfig(cfg); err != nil {
						return err
					}
					fmt.Println("logged out")
					return nil
				},
			},
		},
	}
}

func routesCommand() *cli.Command {
	return &cli.Command{
		Name:  "routes",
		Usage: "Route commands",
		Commands: []*cli.Command{
			{
				Name:  "calculate",
				Usage: "Plan a route between two coordinates",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "start-lat", Required: true},
					&cli.Float64Flag{Name: "start-lng", Required: true},
					&cli.Float64Flag{Name: "end-lat", Required: true},
					&cli.Float64Flag{Name: "end-lng", Required: true},
					&cli.StringFlag{Name: "terrain", Value: "urban"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					start := domain.Coordinate{Lat: c.Float64("start-lat"), Lng: c.Float64("start-lng")}
					end := domain.Coordinate{Lat: c.Float64("end-lat"), Lng: c.Float64("end-lng")}
					var out domain.Route
					if err := doRoutesCalculate(ctx, cfg, start, end, c.String("terrain"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printRoute(out)
					return nil
				},
			},
			{
				Name:  "get",
				Usage: "Show one route",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "route-id", Required: true},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.Route
					if err := doRoutesGet(ctx, cfg, c.String("route-id"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printRoute(out)
					return nil
				},
			},
			{
				Name:  "complete",
				Usage: "Mark a route completed",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "route-id", Required: true},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.Route
					if err := doRoutesComplete(ctx, cfg, c.String("route-id"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printRoute(out)
					return nil
				},
			},
			{
				Name:  "cancel",
				Usage: "Cancel a route",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "route-id", Required: true},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.Route
					if err := doRoutesCancel(ctx, cfg, c.String("route-id"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printRoute(out)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List routes",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "filter by status"},
					&cli.IntFlag{Name: "limit", Value: 100},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.Route
					if err := doRoutesList(ctx, cfg, c.String("status"), c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printRoutes(out)
					return nil
				},
			},
		},
	}
}

func threatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "threats",
		Usage: "Threat report commands",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Report a threat",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "lat", Required: true},
					&cli.Float64Flag{Name: "lng", Required: true},
					&cli.StringFlag{Name: "type", Value: "hostile-contact"},
					&cli.StringFlag{Name: "severity", Value: "high"},
					&cli.StringFlag{Name: "reporter"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						ThreatID string   `json:"threat_id"`
						Affected []string `json:"affected_route_ids"`
					}
					location := domain.Coordinate{Lat: c.Float64("lat"), Lng: c.Float64("lng")}
					if err := doThreatsAdd(ctx, cfg, location, c.String("type"), c.String("severity"), c.String("reporter"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printKV([][2]string{
						{"threat_id", out.ThreatID},
						{"affected_routes", joinOrDash(out.Affected)},
					})
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List active threats",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 200},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.ThreatReport
					if err := doThreatsList(ctx, cfg, c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printThreats(out)
					return nil
				},
			},
		},
	}
}

func feedbackCommand() *cli.Command {
	return &cli.Command{
		Name:  "feedback",
		Usage: "Route feedback commands",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Record feedback on a route",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "route-id", Required: true},
					&cli.IntFlag{Name: "rating", Required: true, Usage: "rating 1-5"},
					&cli.StringFlag{Name: "comments"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						OK         bool `json:"ok"`
						FeedbackID uint `json:"feedback_id"`
					}
					if err := doFeedbackAdd(ctx, cfg, c.String("route-id"), c.Int("rating"), c.String("comments"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					fmt.Printf("feedback %d recorded\n", out.FeedbackID)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List feedback for a route",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "route-id", Required: true},
					&cli.IntFlag{Name: "limit", Value: 200},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.Feedback
					if err := doFeedbackList(ctx, cfg, c.String("route-id"), c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printFeedback(out)
					return nil
				},
			},
		},
	}
}

func modelCommand() *cli.Command {
	return &cli.Command{
		Name:  "model",
		Usage: "Scoring model commands",
		Commands: []*cli.Command{
			{
				Name:  "info",
				Usage: "Show model version, profiles and weights",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "output raw JSON"}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out application.ModelInfo
					if err := doModelInfo(ctx, cfg, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printModelInfo(out)
					return nil
				},
			},
		},
	}
}

func jsonMarshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
