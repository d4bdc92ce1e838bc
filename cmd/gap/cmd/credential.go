package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage plugin credentials (write-only)",
	Long: `Set and delete credential fields for installed plugins.

Credentials are write-only: there is no command to read one back. Only the
owning plugin's transform ever sees the value, inside the sandbox.`,
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <plugin> <field> [value]",
	Short: "Set a credential field",
	Long: `Set one credential field for a plugin. The field must be declared in
the plugin's credential schema. If the value is omitted it is prompted
for, keeping it out of shell history.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := ""
		if len(args) == 3 {
			value = args[2]
		} else {
			var err error
			value, err = promptPassword(fmt.Sprintf("Value for %s.%s: ", args[0], args[1]))
			if err != nil {
				return err
			}
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.mgmt.SetCredential(args[0], args[1], value); err != nil {
			return err
		}
		fmt.Printf("Credential %s.%s set.\n", args[0], args[1])
		return nil
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete <plugin> <field>",
	Short: "Delete a credential field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.mgmt.DeleteCredential(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Credential %s.%s deleted.\n", args[0], args[1])
		return nil
	},
}

func init() {
	credentialCmd.AddCommand(credentialSetCmd, credentialDeleteCmd)
	rootCmd.AddCommand(credentialCmd)
}
