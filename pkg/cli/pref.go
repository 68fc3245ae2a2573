package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/memory"
	"github.com/urfave/cli/v3"
)

// newPreferenceStore opens memory without an embedder. Only the preference
// operations may be used on it.
func (cfg *config) newPreferenceStore(ctx context.Context) (*memory.Manager, error) {
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}
	return memory.New(nil, repo, memory.WithDefaultUser(cfg.userID)), nil
}

func prefCommand() *cli.Command {
	var cfg config

	flags := loggingFlags(&cfg)
	flags = append(flags, memoryFlags(&cfg)...)

	// run opens the store, calls fn and closes the store
	run := func(fn func(ctx context.Context, c *cli.Command, mem *memory.Manager) error) cli.ActionFunc {
		return func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx)
			mem, err := cfg.newPreferenceStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = mem.Close() }()
			return fn(ctx, c, mem)
		}
	}

	return &cli.Command{
		Name:  "pref",
		Usage: "Manage stored user preferences",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List all preferences of the user",
				Flags: flags,
				Action: run(func(ctx context.Context, c *cli.Command, mem *memory.Manager) error {
					prefs, err := mem.GetAllPreferences(ctx, cfg.userID)
					if err != nil {
						return goerr.Wrap(err, "failed to list preferences")
					}
					if len(prefs) == 0 {
						fmt.Fprintf(c.Root().Writer, "No preferences stored for user '%s'\n", cfg.userID)
						return nil
					}

					keys := make([]string, 0, len(prefs))
					for k := range prefs {
						keys = append(keys, k)
					}
					slices.Sort(keys)
					for _, k := range keys {
						fmt.Fprintf(c.Root().Writer, "%s: %s\n", k, prefs[k])
					}
					return nil
				}),
			},
			{
				Name:      "get",
				Usage:     "Show one preference",
				ArgsUsage: "<key>",
				Flags:     flags,
				Action: run(func(ctx context.Context, c *cli.Command, mem *memory.Manager) error {
					if c.Args().Len() != 1 {
						return goerr.New("exactly one key is required")
					}
					key := c.Args().First()

					value, found, err := mem.GetPreference(ctx, cfg.userID, key)
					if err != nil {
						return goerr.Wrap(err, "failed to get preference", goerr.V("key", key))
					}
					if !found {
						return goerr.New("preference not found", goerr.V("user_id", cfg.userID), goerr.V("key", key))
					}
					fmt.Fprintln(c.Root().Writer, value)
					return nil
				}),
			},
			{
				Name:      "set",
				Usage:     "Store a preference",
				ArgsUsage: "<key> <value>",
				Flags:     flags,
				Action: run(func(ctx context.Context, c *cli.Command, mem *memory.Manager) error {
					if c.Args().Len() != 2 {
						return goerr.New("key and value are required")
					}
					key, value := c.Args().Get(0), c.Args().Get(1)

					if err := mem.StorePreference(ctx, cfg.userID, key, value); err != nil {
						return goerr.Wrap(err, "failed to store preference", goerr.V("key", key))
					}
					fmt.Fprintf(c.Root().Writer, "Stored '%s' for user '%s'\n", key, cfg.userID)
					return nil
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete a preference",
				ArgsUsage: "<key>",
				Flags:     flags,
				Action: run(func(ctx context.Context, c *cli.Command, mem *memory.Manager) error {
					if c.Args().Len() != 1 {
						return goerr.New("exactly one key is required")
					}
					key := c.Args().First()

					deleted, err := mem.DeletePreference(ctx, cfg.userID, key)
					if err != nil {
						return goerr.Wrap(err, "failed to delete preference", goerr.V("key", key))
					}
					if !deleted {
						fmt.Fprintf(c.Root().Writer, "No preference '%s' for user '%s'\n", key, cfg.userID)
						return nil
					}
					fmt.Fprintf(c.Root().Writer, "Deleted '%s' for user '%s'\n", key, cfg.userID)
					return nil
				}),
			},
		},
	}
}
