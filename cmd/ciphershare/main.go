package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ciphershare",
	Short: "CipherShare CLI",
	Long:  "Share end-to-end encrypted secrets through a CipherShare server. Content is encrypted locally; the server only ever stores ciphertext.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var addrFlag string

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Server address (default from config or $CIPHERSHARE_ADDR)")

	rootCmd.AddCommand(createCmd(), infoCmd(), viewCmd(), deleteCmd(), cleanupCmd(), configCmd())
}

func serverAddr() string {
	if addrFlag != "" {
		return addrFlag
	}
	return cfg.Address
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

// --- create ---

func createCmd() *cobra.Command {
	var (
		ttl     int
		oneTime bool
		pin     string
		paths   []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Encrypt stdin and store it, printing the share link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			files, err := readFiles(paths)
			if err != nil {
				return err
			}
			req, linkKey, err := sealShare(text, shareOptions{
				TTLMinutes: ttl,
				OneTime:    oneTime,
				PIN:        pin,
				Files:      files,
			})
			if err != nil {
				return err
			}

			ctx, cancel := commandContext()
			defer cancel()
			client := newClient(serverAddr())
			resp, err := client.create(ctx, req)
			if err != nil {
				return err
			}
			printResult(map[string]any{
				"link":          formatLink(serverAddr(), resp.ID, linkKey),
				"expires_at":    resp.ExpiresAt.Local().Format(time.RFC3339),
				"one_time_view": oneTime,
				"has_pin":       pin != "",
				"files":         len(files),
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl", 60, "Minutes until the secret expires (1-1440)")
	cmd.Flags().BoolVar(&oneTime, "one-time", false, "Destroy the secret after its first view")
	cmd.Flags().StringVar(&pin, "pin", "", "Require this PIN to view")
	cmd.Flags().StringArrayVar(&paths, "file", nil, "Attach a file (repeatable)")
	return cmd
}

// --- info ---

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <link>",
		Short: "Show a secret's metadata without viewing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := parseLink(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			var result map[string]any
			if err := newClient(link.Addr).call(ctx, "GET", "/api/secrets/"+link.Token, nil, &result); err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

// --- view ---

func viewCmd() *cobra.Command {
	var (
		pin    string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "view <link>",
		Short: "Fetch and decrypt a secret",
		Long:  "Fetch and decrypt a secret. One-time secrets are destroyed by this command.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := parseLink(args[0])
			if err != nil {
				return err
			}
			pinHash, err := pinDigest(link.Key, pin)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext()
			defer cancel()
			resp, err := newClient(link.Addr).view(ctx, link.Token, pinHash)
			if err != nil {
				return err
			}
			text, files, err := openShare(resp, link.Key)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			out.Write(text) //nolint:errcheck
			if len(files) > 0 {
				written, err := writeFiles(outDir, files)
				for _, p := range written {
					fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", p)
				}
				if err != nil {
					return err
				}
			}
			if resp.OneTimeView {
				fmt.Fprintln(cmd.ErrOrStderr(), "this secret has now been destroyed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN protecting the secret")
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory for decrypted attachments")
	return cmd
}

// --- delete ---

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <link>",
		Short: "Delete a secret before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := parseLink(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			var result map[string]any
			if err := newClient(link.Addr).call(ctx, "DELETE", "/api/secrets/"+link.Token, nil, &result); err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

// --- cleanup ---

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Ask the server to remove expired secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			var result map[string]any
			if err := newClient(serverAddr()).call(ctx, "POST", "/api/cleanup", nil, &result); err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setAddr := &cobra.Command{
		Use:   "set-address <url>",
		Short: "Set the default server address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Address = args[0]
			if err := saveConfig(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address set to %s\n", cfg.Address)
			return nil
		},
	}
	cmd.AddCommand(setAddr)
	return cmd
}
