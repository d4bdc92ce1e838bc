package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var certRotateSANs string

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the management certificate",
}

var certRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the management TLS certificate",
	Long: `Mint a new management certificate for the given SANs, persist it, and
swap it in without a restart. New connections see the new certificate;
connections opened before rotation keep working until they close.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sans := strings.Split(certRotateSANs, ",")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		pemBytes, err := c.mgmt.RotateManagementCert(sans)
		if err != nil {
			return err
		}
		fmt.Printf("Management certificate rotated.\n\n%s", pemBytes)
		return nil
	},
}

func init() {
	certRotateCmd.Flags().StringVar(&certRotateSANs, "sans", "DNS:localhost,IP:127.0.0.1",
		"comma-separated SANs, e.g. DNS:localhost,IP:127.0.0.1")
	certCmd.AddCommand(certRotateCmd)
	rootCmd.AddCommand(certCmd)
}
