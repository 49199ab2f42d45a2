package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ferrydock/ferry/internal/profile"
)

// newProfileCmd creates the 'profile' command group.
func newProfileCmd() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage connection profiles",
		Long:  `Add, list, inspect, remove, import and export named SFTP connection profiles.`,
	}
	profileCmd.AddCommand(newProfileAddCmd())
	profileCmd.AddCommand(newProfileListCmd())
	profileCmd.AddCommand(newProfileShowCmd())
	profileCmd.AddCommand(newProfileRemoveCmd())
	profileCmd.AddCommand(newProfileImportCmd())
	profileCmd.AddCommand(newProfileExportCmd())
	return profileCmd
}

// newProfileAddCmd creates the 'profile add' command.
func newProfileAddCmd() *cobra.Command {
	var (
		host        string
		port        int
		username    string
		auth        string
		keyPath     string
		description string
		timeout     int
		keepAlive   int
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a connection profile",
		Long: `Add a connection profile, or overwrite the one with the same name.

Password profiles prompt for the password and store it encrypted with
the installation vault key. Key profiles reference a private key file
that is read at connect time, never copied.

Examples:
  # Password authentication (prompts for the password)
  ferry profile add prod --host sftp.example.com --username deploy

  # Private key authentication
  ferry profile add ci --host sftp.example.com --username ci \
    --auth private_key --key-path ~/.ssh/id_ed25519`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			prof := profile.Profile{
				Name:                     args[0],
				Host:                     host,
				Port:                     port,
				Username:                 username,
				AuthMethod:               profile.AuthMethod(auth),
				KeyPath:                  keyPath,
				Description:              description,
				TimeoutSeconds:           timeout,
				KeepAliveIntervalSeconds: keepAlive,
			}

			if prof.AuthMethod == profile.AuthPassword {
				password, err := readSecret(fmt.Sprintf("Password for %s@%s: ", username, host))
				if err != nil {
					return err
				}
				ref, err := app.vault.Wrap(password)
				if err != nil {
					return fmt.Errorf("encrypting password: %w", err)
				}
				prof.SecretRef = ref
			}

			if err := app.store.Upsert(prof); err != nil {
				return err
			}
			fmt.Printf("Profile %q saved.\n", prof.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Server hostname or address (required)")
	cmd.Flags().IntVar(&port, "port", 22, "Server port")
	cmd.Flags().StringVar(&username, "username", "", "Login user (required)")
	cmd.Flags().StringVar(&auth, "auth", string(profile.AuthPassword), "Authentication method: password or private_key")
	cmd.Flags().StringVar(&keyPath, "key-path", "", "Private key file (private_key auth)")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Connect/probe timeout in seconds (0 = config default)")
	cmd.Flags().IntVar(&keepAlive, "keep-alive", 0, "Keep-alive probe interval in seconds (0 = config default)")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

// newProfileListCmd creates the 'profile list' command.
func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles in insertion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			profiles := app.store.List()
			if len(profiles) == 0 {
				fmt.Println("No profiles. Add one with 'ferry profile add'.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tUSER\tAUTH\tDESCRIPTION")
			for _, p := range profiles {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Addr(), p.Username, p.AuthMethod, p.Description)
			}
			return w.Flush()
		},
	}
}

// newProfileShowCmd creates the 'profile show' command.
func newProfileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			prof, err := app.store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Name:        %s\n", prof.Name)
			fmt.Printf("Address:     %s\n", prof.Addr())
			fmt.Printf("Username:    %s\n", prof.Username)
			fmt.Printf("Auth:        %s\n", prof.AuthMethod)
			if prof.AuthMethod == profile.AuthPrivateKey {
				fmt.Printf("Key path:    %s\n", prof.KeyPath)
			} else {
				fmt.Printf("Password:    (encrypted)\n")
			}
			if prof.Description != "" {
				fmt.Printf("Description: %s\n", prof.Description)
			}
			fmt.Printf("Timeout:     %s\n", prof.Timeout())
			fmt.Printf("Keep-alive:  %s\n", prof.KeepAliveInterval())
			return nil
		},
	}
}

// newProfileRemoveCmd creates the 'profile remove' command.
func newProfileRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Profile %q removed.\n", args[0])
			return nil
		},
	}
}

// newProfileImportCmd creates the 'profile import' command.
func newProfileImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import profiles from a JSON export",
		Long: `Import profiles from a file produced by 'ferry profile export'.
The whole batch is validated first; one bad profile rejects the import.
Encrypted password references only decrypt on the installation whose
vault key produced them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var profiles []profile.Profile
			if err := json.Unmarshal(data, &profiles); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			if err := app.store.Import(profiles); err != nil {
				return err
			}
			fmt.Printf("Imported %d profiles.\n", len(profiles))
			return nil
		},
	}
}

// newProfileExportCmd creates the 'profile export' command.
func newProfileExportCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all profiles as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			data, err := json.MarshalIndent(app.store.Export(), "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if outFile == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(outFile, data, 0600); err != nil {
				return err
			}
			fmt.Printf("Exported to %s.\n", outFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

// newKeyCmd creates the 'key' command group.
func newKeyCmd() *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the installation vault key",
	}
	keyCmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate a new vault key and re-encrypt all stored passwords",
		Long: `Generate a fresh vault key and rewrap every stored password with it.
The rotation is all-or-nothing: if any stored reference fails to
decrypt, the old key stays in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			profiles := app.store.List()
			var refs []string
			var holders []int
			for i, p := range profiles {
				if p.SecretRef != "" {
					refs = append(refs, p.SecretRef)
					holders = append(holders, i)
				}
			}

			rotated, err := app.vault.Rotate(refs)
			if err != nil {
				return err
			}
			for n, i := range holders {
				profiles[i].SecretRef = rotated[n]
				if err := app.store.Upsert(profiles[i]); err != nil {
					return err
				}
			}
			fmt.Printf("Vault key rotated; %d secrets re-encrypted.\n", len(refs))
			return nil
		},
	})
	return keyCmd
}
