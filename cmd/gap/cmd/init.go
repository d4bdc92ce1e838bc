package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikekelly/gap/internal/registry"
)

var initPassword string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize GAP with a master password",
	Long: `Initialize the server: record the master password hash, generate the
certificate authority, and export its certificate for agents to trust.

With the file storage backend the same password also derives the
encryption key for the on-disk store, so it must be present (via
GAP_MASTER_PASSWORD) whenever the server starts.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initPassword, "password", "", "master password (prompted if not given)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	password := initPassword
	if password == "" {
		password = masterPassword()
	}
	if password == "" {
		var err error
		password, err = promptPassword("Master password: ")
		if err != nil {
			return err
		}
	}
	if password == "" {
		return errors.New("master password must not be empty")
	}

	// openCore reads the password from the environment for the file
	// backend's key derivation; make a flag- or prompt-supplied password
	// visible there too.
	if err := os.Setenv("GAP_MASTER_PASSWORD", password); err != nil {
		return err
	}

	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.close()

	caPath, err := c.mgmt.Init(password)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyInitialized) {
			return errors.New("already initialized")
		}
		return err
	}

	fmt.Printf("Initialized.\n\nCA certificate: %s\n", caPath)
	fmt.Println("Configure agents to trust this certificate and to proxy through GAP.")
	return nil
}
