package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"urlstore/pkg/kv"
	"urlstore/storage"
)

func initCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, st *kv.Store) error {
				if err := st.Ready(ctx); err != nil {
					return err
				}
				printOK(cmd)
				return nil
			})
		},
	}
}

func saveCmd(v *viper.Viper) *cobra.Command {
	var (
		generateKey bool
		createOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "save <key> <value>",
		Short: "Save a JSON value under a key",
		Long: `Save a value under a key, replacing any previous value.
The value is parsed as JSON; anything that is not valid JSON is saved as a string.
With --generate-key only the value is given and a random key is printed.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if generateKey {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var key, raw string
			if generateKey {
				key, raw = uuid.NewString(), args[0]
			} else {
				key, raw = args[0], args[1]
			}
			value := parseValue(raw)

			return withStore(cmd, v, func(ctx context.Context, st *kv.Store) error {
				var err error
				if createOnly {
					err = st.Create(ctx, key, value)
				} else {
					err = st.Save(ctx, key, value)
				}
				if errors.Is(err, storage.ErrDuplicateKey) {
					return fmt.Errorf("key %q already exists", key)
				}
				if err != nil {
					return err
				}
				if generateKey {
					fmt.Fprintln(cmd.OutOrStdout(), key)
					return nil
				}
				printOK(cmd)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&generateKey, "generate-key", false, "Generate a random key and print it")
	cmd.Flags().BoolVar(&createOnly, "create", false, "Fail if the key already exists")

	return cmd
}

func updateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "update <key> <value>",
		Short: "Replace the value of an existing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, st *kv.Store) error {
				err := st.Update(ctx, args[0], parseValue(args[1]))
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("key %q does not exist", args[0])
				}
				if err != nil {
					return err
				}
				printOK(cmd)
				return nil
			})
		},
	}
}

func fetchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, st *kv.Store) error {
				value, err := st.Fetch(ctx, args[0])
				if err != nil {
					return err
				}
				if value == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "(nil)")
					return nil
				}
				out, err := json.MarshalIndent(value, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func existsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Check if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, st *kv.Store) error {
				exists, err := st.Exists(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), exists)
				return nil
			})
		},
	}
}

func deleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key> [key...]",
		Aliases: []string{"del"},
		Short:   "Delete one or more keys",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, st *kv.Store) error {
				for _, key := range args {
					if err := st.Delete(ctx, key); err != nil {
						return err
					}
				}
				printOK(cmd)
				return nil
			})
		},
	}
}

// parseValue decodes raw as JSON, falling back to the raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printOK(cmd *cobra.Command) {
	color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "OK")
}
