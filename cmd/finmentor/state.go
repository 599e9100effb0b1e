package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/finmentor/internal/app"
	"github.com/antoniostano/finmentor/internal/config"
	"github.com/antoniostano/finmentor/internal/kv"
	"github.com/antoniostano/finmentor/internal/sessiontimer"
	"github.com/antoniostano/finmentor/internal/settings"
)

// withState opens the configured state store for one command.
func withState(ctx context.Context, fn func(cfg config.Config, store kv.Store, mode kv.Mode) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	store, mode, err := app.OpenState(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store, mode)
}

func newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect or import persisted session settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withState(cmd.Context(), func(cfg config.Config, store kv.Store, _ kv.Mode) error {
				repo := settings.NewRepository(store, cfg.TavusAPIKey)
				raw, err := settings.EncodeYAML(repo.Load(cmd.Context()))
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file|-]",
		Short: "Validate and store settings from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			incoming, err := settings.DecodeYAML(r)
			if err != nil {
				return err
			}
			return withState(cmd.Context(), func(cfg config.Config, store kv.Store, mode kv.Mode) error {
				repo := settings.NewRepository(store, cfg.TavusAPIKey)
				saved, err := repo.Save(cmd.Context(), incoming)
				if err != nil {
					return err
				}
				if mode == kv.ModeMemory {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: STATE_STORE_URL is unset, settings are not persisted")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "settings saved (language=%s, persona=%s)\n", saved.Language, saved.Persona)
				return nil
			})
		},
	})
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored conversation API key",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set [token]",
		Short: "Store the API key; an empty value clears it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			return withState(cmd.Context(), func(cfg config.Config, store kv.Store, _ kv.Mode) error {
				repo := settings.NewRepository(store, cfg.TavusAPIKey)
				if err := repo.SaveToken(cmd.Context(), token); err != nil {
					return err
				}
				effective := repo.Token(cmd.Context())
				if effective == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "token cleared")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "token set: %s\n", settings.MaskToken(effective))
				return nil
			})
		},
	})
	return cmd
}

func newTimerCommand() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Inspect or reset a client's conversation timer",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if strings.TrimSpace(clientID) == "" {
				return errors.New("--client is required")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&clientID, "client", "", "browser client id")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print elapsed seconds for the client's current conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withState(cmd.Context(), func(cfg config.Config, store kv.Store, _ kv.Mode) error {
				timer := sessiontimer.New(store, app.TimerKey(clientID), nil)
				if !timer.Started(cmd.Context()) {
					fmt.Fprintln(cmd.OutOrStdout(), "no timer running")
					return nil
				}
				elapsed := timer.Elapsed(cmd.Context())
				remaining := max(cfg.TimeLimitSeconds()-elapsed, 0)
				fmt.Fprintf(cmd.OutOrStdout(), "elapsed=%ds remaining=%ds\n", elapsed, remaining)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the client's stored timer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withState(cmd.Context(), func(_ config.Config, store kv.Store, _ kv.Mode) error {
				sessiontimer.New(store, app.TimerKey(clientID), nil).Clear(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), "timer cleared")
				return nil
			})
		},
	})
	return cmd
}
