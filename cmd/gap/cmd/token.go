package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage agent tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Issue a new agent token",
	Long: `Issue a bearer token for an agent. The full value is printed exactly
once; afterwards only its 8-character prefix is recoverable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		tok, err := c.mgmt.CreateToken(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Token created for %q.\n\n  %s\n\nStore it now; it will not be shown again.\n", tok.Name, tok.Value)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tokens (prefixes only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		infos := c.mgmt.ListTokens()
		if len(infos) == 0 {
			fmt.Println("No tokens.")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s  %s...  %s  (%s)\n",
				info.ID, info.Prefix, info.Name, info.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token-value>",
	Short: "Revoke a token by its full value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.mgmt.RevokeToken(args[0]); err != nil {
			return err
		}
		fmt.Println("Token revoked.")
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd, tokenListCmd, tokenRevokeCmd)
	rootCmd.AddCommand(tokenCmd)
}
