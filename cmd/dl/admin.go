package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispoline/internal/app"
	"dispoline/internal/config"
	"dispoline/internal/domain"
	"dispoline/internal/repo"
	"dispoline/internal/server"
)

func locationCmd() *cobra.Command {
	loc := &cobra.Command{
		Use:   "location",
		Short: "Manage halls, stations, stands and boxes",
		Long:  "Stands sit in stations inside halls. A stand with the daily flag gets one pickup task per day from the generator; boxes move between stand, transit, warehouse and disposal as tasks progress.",
	}
	loc.AddCommand(hallCmd())
	loc.AddCommand(stationCmd())
	loc.AddCommand(standCmd())
	loc.AddCommand(boxCmd())
	return loc
}

func hallCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "hall",
		Short: "Create or rename a hall",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.UpsertHall(ctx, nil, id, name)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "hall id")
	cmd.Flags().StringVar(&name, "name", "", "hall name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stationCmd() *cobra.Command {
	var id, hall, name string
	cmd := &cobra.Command{
		Use:   "station",
		Short: "Create or update a station",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.UpsertStation(ctx, nil, id, hall, name)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "station id")
	cmd.Flags().StringVar(&hall, "hall", "", "hall id")
	cmd.Flags().StringVar(&name, "name", "", "station name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("hall")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func standCmd() *cobra.Command {
	var s domain.Stand
	var box, material string
	cmd := &cobra.Command{
		Use:   "stand",
		Short: "Create or update a stand and its daily pickup rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if box != "" {
				s.BoxID = &box
			}
			if material != "" {
				s.MaterialID = &material
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Repo.UpsertStand(ctx, nil, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "stand id")
	cmd.Flags().StringVar(&s.StationID, "station", "", "station id")
	cmd.Flags().StringVar(&s.Name, "name", "", "stand name")
	cmd.Flags().BoolVar(&s.DailyTaskEnabled, "daily", false, "generate a daily pickup task")
	cmd.Flags().StringVar(&s.DailyTimeLocal, "daily-time", "", "daily pickup time HH:MM (default 06:00)")
	cmd.Flags().StringVar(&s.DailyTitle, "daily-title", "", "daily task title (default \"Daily pickup <name>\")")
	cmd.Flags().StringVar(&box, "box", "", "box parked at the stand")
	cmd.Flags().StringVar(&material, "material", "", "material id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("station")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func boxCmd() *cobra.Command {
	var id, stand, location string
	cmd := &cobra.Command{
		Use:   "box",
		Short: "Register a box or show its fill history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if cmd.Flags().Changed("location") || cmd.Flags().Changed("stand") {
					b := domain.Box{ID: id, Location: location, UpdatedAt: time.Now()}
					if stand != "" {
						b.StandID = &stand
					}
					if err := rt.Engine.Repo.UpsertBox(ctx, nil, b); err != nil {
						return err
					}
				}
				b, err := rt.Engine.Repo.GetBox(ctx, nil, id)
				if err != nil {
					return err
				}
				history, err := rt.Engine.Repo.ListFillHistory(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"box": b, "fill_history": history})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "box id")
	cmd.Flags().StringVar(&stand, "stand", "", "stand id")
	cmd.Flags().StringVar(&location, "location", domain.BoxAtStand, "STAND|TRANSIT|WAREHOUSE|DISPOSED")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage actors"}
	actor.AddCommand(actorSetCmd())
	actor.AddCommand(actorWhoamiCmd())
	return actor
}

func actorSetCmd() *cobra.Command {
	var a domain.Actor
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or update an actor's name, role and department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ID = args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Repo.UpsertActor(ctx, nil, a, time.Now()); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&a.Name, "name", "", "display name")
	cmd.Flags().StringVar(&a.Role, "role", "", "role (admin may release or hand over any lease)")
	cmd.Flags().StringVar(&a.Department, "department", "", "department")
	return cmd
}

func actorWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the resolved --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				return printJSONOrTable(actor)
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func newRawKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dl_" + hex.EncodeToString(buf), nil
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newRawKey()
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor.ID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now(),
				}
				if err := rt.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var roles []string
	var department string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := jwtSecret(rt.Config.Server.JWTSecret)
				if secret == "" {
					return fmt.Errorf("jwt secret not configured; set server.jwt_secret or DISPOLINE_JWT_SECRET")
				}
				token, err := server.SignToken(secret, viper.GetString("actor-id"), roles, department, ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().StringVar(&department, "department", "", "department claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in <workspace>/dispoline.yml: lease TTL, auto-release statuses, generator timing, preview limits, server and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default dispoline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSONOrTable(rt.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			var err error
			if path := viper.GetString("config"); path != "" {
				_, err = config.FromFile(path)
			} else {
				_, err = config.LoadOptional(workspace)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Audit.List(ctx, f)
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter, e.g. STATUS_CHANGE")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "task or task_schedule")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}
