package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	rootCmd := &cobra.Command{
		Use:           "deployctl",
		Short:         "deployctl - DeployFlow fleet operator CLI",
		Long:          "Inspect devices, queue actions and apply deployment profiles on a DeployFlow server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadCLIConfig(v, cfgFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.deployctl.yaml)")
	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8080", "DeployFlow server URL")
	rootCmd.PersistentFlags().String("admin-token", "", "Operator bearer token")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")
	_ = v.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("admin_token", rootCmd.PersistentFlags().Lookup("admin-token"))
	_ = v.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	rootCmd.AddCommand(
		statusCmd(v),
		devicesCmd(v),
		deviceCmd(v),
		actionsCmd(v),
		actionCmd(v),
		scriptsCmd(v),
		profileCmd(v),
		tokensCmd(v),
		versionCmd(),
	)
	return rootCmd
}

// loadCLIConfig layers flags over DEPLOYCTL_* env vars over the config file.
func loadCLIConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".deployctl")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("DEPLOYCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func newClient(v *viper.Viper) *api.Client {
	return api.NewClient(v.GetString("server"),
		api.WithAdminToken(v.GetString("admin_token")),
		api.WithTimeout(v.GetDuration("timeout")),
		api.WithUserAgent("deployctl/"+Version),
	)
}

func statusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and fleet summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(v)
			health, _, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			devices, err := client.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			online := 0
			for _, d := range devices {
				if d.Status == "online" {
					online++
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "DeployFlow Status\n")
			fmt.Fprintf(out, "=================\n\n")
			fmt.Fprintf(out, "Server:          %s (%s)\n", client.BaseURL(), health.Version)
			fmt.Fprintf(out, "Health:          %s\n", health.Status)
			fmt.Fprintf(out, "Total Devices:   %d\n", len(devices))
			fmt.Fprintf(out, "Online:          %d\n", online)
			fmt.Fprintf(out, "Offline:         %d\n", len(devices)-online)
			return nil
		},
	}
}

func devicesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := newClient(v).ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices, time.Now())
			return nil
		},
	}
}

func printDevices(out io.Writer, devices []api.Device, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOSTNAME\tOS\tSTATUS\tLAST CHECK-IN")
	fmt.Fprintln(w, "--\t--------\t--\t------\t-------------")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", d.ID, d.Hostname, orDash(d.OSType), d.Status, ago(d.LastCheckIn, now))
	}
	w.Flush()
}

func deviceCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device [id]",
		Short: "Show details for a specific device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := newClient(v).GetDevice(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device: %s\n", d.Hostname)
			fmt.Fprintf(out, "========================================\n\n")
			fmt.Fprintf(out, "ID:            %d\n", d.ID)
			fmt.Fprintf(out, "Status:        %s\n", d.Status)
			fmt.Fprintf(out, "OS:            %s %s\n", orDash(d.OSType), d.OSVersion)
			if d.OSDescription != "" {
				fmt.Fprintf(out, "Description:   %s\n", d.OSDescription)
			}
			if d.HardwareSummary != "" {
				fmt.Fprintf(out, "Hardware:      %s\n", d.HardwareSummary)
			}
			fmt.Fprintf(out, "Last Check-in: %s\n", ago(d.LastCheckIn, time.Now()))
			if d.ProfileID != nil {
				fmt.Fprintf(out, "Profile:       %d\n", *d.ProfileID)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a device and queue its uninstall action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := newClient(v).DeleteDevice(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %d %s; uninstall action %d queued\n", id, resp.Status, resp.UninstallActionID)
			return nil
		},
	})
	return cmd
}

func actionsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "actions [device-id]",
		Short: "List a device's actions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			actions, err := newClient(v).ListActions(cmd.Context(), id)
			if err != nil {
				return err
			}
			printActions(cmd.OutOrStdout(), actions)
			return nil
		},
	}
}

func printActions(out io.Writer, actions []api.Action) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tEXIT\tBATCH\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t----\t-----\t-------")
	for _, a := range actions {
		exit := "-"
		if a.ExitCode != nil {
			exit = strconv.Itoa(*a.ExitCode)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Type, a.Status, exit, orDash(a.BatchID), a.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func actionCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Queue ad-hoc actions",
	}

	var (
		deviceID   int64
		actionType string
		payload    string
		scriptID   int64
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Queue one action for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.CreateActionRequest{Type: actionType}
			if cmd.Flags().Changed("payload") {
				req.Payload = &payload
			}
			if scriptID > 0 {
				req.ScriptID = &scriptID
			}
			a, err := newClient(v).CreateAction(cmd.Context(), deviceID, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued action %d (%s) for device %d\n", a.ID, a.Type, a.DeviceID)
			return nil
		},
	}
	create.Flags().Int64Var(&deviceID, "device", 0, "Target device id")
	create.Flags().StringVar(&actionType, "type", "", "Action type (test, uninstall, powershell_inline, bash_inline, ...)")
	create.Flags().StringVar(&payload, "payload", "", "Inline script body")
	create.Flags().Int64Var(&scriptID, "script", 0, "Library script id to snapshot as the payload")
	_ = create.MarkFlagRequired("device")
	_ = create.MarkFlagRequired("type")
	create.MarkFlagsMutuallyExclusive("payload", "script")

	cmd.AddCommand(create)
	return cmd
}

func scriptsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "scripts",
		Short: "List library scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			scripts, err := newClient(v).ListScripts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tOS")
			for _, s := range scripts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.ID, s.Name, s.Language, orDash(s.TargetOSType))
			}
			return w.Flush()
		},
	}
}

func profileCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile [id]",
		Short: "Show a deployment profile and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, err := newClient(v).GetProfile(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Profile: %s (%s)\n", p.Name, orDash(p.TargetOSType))
			if p.Description != "" {
				fmt.Fprintf(out, "%s\n", p.Description)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\nORDER\tTYPE\tSCRIPT")
			for _, t := range p.Tasks {
				fmt.Fprintf(w, "%d\t%s\t%d\n", t.OrderIndex, t.ActionType, t.ScriptID)
			}
			return w.Flush()
		},
	}

	var devices []int64
	apply := &cobra.Command{
		Use:   "apply [profile-id]",
		Short: "Queue every task of a profile on the given devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := newClient(v).ApplyProfile(cmd.Context(), id, devices)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch %s: %d actions queued\n", resp.BatchID, resp.CreatedActions)
			if len(resp.SkippedDeviceIDs) > 0 {
				fmt.Fprintf(out, "Skipped (incompatible OS): %v\n", resp.SkippedDeviceIDs)
			}
			return nil
		},
	}
	apply.Flags().Int64SliceVar(&devices, "device", nil, "Target device id (repeatable)")
	_ = apply.MarkFlagRequired("device")
	cmd.AddCommand(apply)
	return cmd
}

func tokensCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage enrollment tokens",
	}

	var (
		label     string
		expiresIn time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new enrollment token; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := newClient(v).IssueToken(cmd.Context(), label, int64(expiresIn/time.Second))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Token %d (%s)\n", tok.ID, orDash(tok.Label))
			fmt.Fprintf(out, "Secret: %s\n", tok.Token)
			if tok.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires: %s\n", tok.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	issue.Flags().StringVar(&label, "label", "", "Human-readable label")
	issue.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime, e.g. 72h (0 = never)")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List enrollment tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := newClient(v).ListTokens(cmd.Context())
			if err != nil {
				return err
			}
			printTokens(cmd.OutOrStdout(), tokens, time.Now())
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke [id]",
		Short: "Revoke an enrollment token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := newClient(v).RevokeToken(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token %d revoked\n", id)
			return nil
		},
	}

	cmd.AddCommand(issue, list, revoke)
	return cmd
}

func printTokens(out io.Writer, tokens []api.EnrollmentToken, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tSTATE\tUSES\tLAST USED")
	for _, t := range tokens {
		state := "active"
		switch {
		case t.RevokedAt != nil:
			state = "revoked"
		case t.ExpiresAt != nil && now.After(*t.ExpiresAt):
			state = "expired"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", t.ID, orDash(t.Label), state, t.UseCount, ago(t.LastUsedAt, now))
	}
	w.Flush()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deployctl version %s\n", Version)
		},
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func ago(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	return now.Sub(*t).Round(time.Second).String() + " ago"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
