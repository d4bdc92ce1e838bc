package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	pluginInstallName   string
	pluginInstallMatch  []string
	pluginInstallSchema []string
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage plugins",
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install <file.js>",
	Short: "Install a plugin from a JavaScript file",
	Long: `Install a plugin. By default the plugin's own declared metadata
(plugin.name, plugin.match, plugin.credentialSchema) is used. With --name
and --match, which must be given together, the flags are used in place of
the declared metadata, with --schema as the credential schema; --schema on
its own is ignored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		if pluginInstallName != "" || len(pluginInstallMatch) > 0 {
			if pluginInstallName == "" || len(pluginInstallMatch) == 0 {
				return fmt.Errorf("--name and --match must be given together")
			}
			entry, err := c.mgmt.InstallPlugin(pluginInstallName, string(code),
				pluginInstallMatch, pluginInstallSchema)
			if err != nil {
				return err
			}
			fmt.Printf("Installed %s (matches %s)\n", entry.Name, strings.Join(entry.MatchPatterns, ", "))
			return nil
		}

		entry, err := c.mgmt.InstallPluginFromCode(string(code))
		if err != nil {
			return err
		}
		fmt.Printf("Installed %s (matches %s)\n", entry.Name, strings.Join(entry.MatchPatterns, ", "))
		return nil
	},
}

var pluginUninstallCmd = &cobra.Command{
	Use:   "uninstall <name>",
	Short: "Uninstall a plugin and delete its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.mgmt.UninstallPlugin(args[0]); err != nil {
			return err
		}
		fmt.Println("Plugin uninstalled; its credentials were deleted.")
		return nil
	},
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		entries := c.mgmt.ListPlugins()
		if len(entries) == 0 {
			fmt.Println("No plugins installed.")
			return nil
		}
		for _, entry := range entries {
			fmt.Printf("%s\n  matches: %s\n  credentials: %s\n",
				entry.Name,
				strings.Join(entry.MatchPatterns, ", "),
				strings.Join(entry.CredentialSchema, ", "))
		}
		return nil
	},
}

func init() {
	pluginInstallCmd.Flags().StringVar(&pluginInstallName, "name", "", "override the plugin name")
	pluginInstallCmd.Flags().StringSliceVar(&pluginInstallMatch, "match", nil, "override the host match patterns")
	pluginInstallCmd.Flags().StringSliceVar(&pluginInstallSchema, "schema", nil, "override the credential schema fields")
	pluginCmd.AddCommand(pluginInstallCmd, pluginUninstallCmd, pluginListCmd)
	rootCmd.AddCommand(pluginCmd)
}
