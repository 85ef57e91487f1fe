package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/vrtree/pkg/auth"
)

func newLicenseCmd() *cobra.Command {
	licenseCmd := &cobra.Command{
		Use:   "license",
		Short: "Issue and check licenses",
	}

	licenseCmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Print a new random license key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return nil
		},
	})

	issueCmd := &cobra.Command{
		Use:   "issue <name>",
		Short: "Issue a signed license",
		Args:  cobra.ExactArgs(1),
		RunE:  runLicenseIssue,
	}
	issueCmd.Flags().String("key", "", "Hex license key (default: security.license_key from config)")
	issueCmd.Flags().StringSlice("role", nil, "Roles: admin, editor, viewer")
	issueCmd.Flags().StringSlice("perm", nil, "Extra permissions: init, network, observe, read, modify")
	issueCmd.Flags().Duration("valid", 0, "Validity period; zero never expires")
	issueCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	licenseCmd.AddCommand(issueCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify <file> <name>",
		Short: "Check a license and print its permissions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := licenseVerifier(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := v.Verify(data, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %s\n", p)
			return nil
		},
	}
	verifyCmd.Flags().String("key", "", "Hex license key (default: security.license_key from config)")
	licenseCmd.AddCommand(verifyCmd)
	return licenseCmd
}

func licenseVerifier(cmd *cobra.Command) (*auth.Verifier, error) {
	key, _ := cmd.Flags().GetString("key")
	if key == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		key = cfg.Security.LicenseKey
	}
	return auth.NewVerifierHex(key)
}

func runLicenseIssue(cmd *cobra.Command, args []string) error {
	roles, _ := cmd.Flags().GetStringSlice("role")
	perms, _ := cmd.Flags().GetStringSlice("perm")
	valid, _ := cmd.Flags().GetDuration("valid")
	output, _ := cmd.Flags().GetString("output")

	v, err := licenseVerifier(cmd)
	if err != nil {
		return err
	}
	l := auth.License{Name: args[0], Permissions: perms}
	for _, r := range roles {
		l.Roles = append(l.Roles, auth.Role(r))
	}
	if valid > 0 {
		l.Expires = time.Now().Add(valid).UTC().Truncate(time.Second)
	}
	data, err := v.Issue(l)
	if err != nil {
		return err
	}
	if output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(output, data, 0600)
}
