package cli

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/gathersocial/gather/internal/keys"
)

var keyQR bool

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the local identity key",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new identity key",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if a.key != nil {
			return fmt.Errorf("an identity already exists; remove it before generating a new one")
		}
		key, err := keys.GeneratePrivateKey()
		if err != nil {
			return err
		}
		nsec, err := key.Nsec()
		if err != nil {
			return err
		}
		if err := a.store.SetSetting(settingSecretKey, nsec); err != nil {
			return err
		}
		npub, _ := key.Npub()
		color.Green("✓ identity created")
		fmt.Println("  public id:", npub)
		fmt.Println("  secret key stored in the local database; back it up with 'gather key show'")
		return nil
	},
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the local identity (public id, and the secret key encoding)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if a.key == nil {
			return fmt.Errorf("no identity; run 'gather key generate' or 'gather key import'")
		}
		npub, err := a.key.Npub()
		if err != nil {
			return err
		}
		nsec, err := a.key.Nsec()
		if err != nil {
			return err
		}
		fmt.Println("public id:", npub)
		fmt.Println("secret key:", nsec)

		if keyQR {
			dir, err := a.cfg.DataDir()
			if err != nil {
				return err
			}
			qrPath := filepath.Join(dir, "npub-qr.png")
			if err := qrcode.WriteFile(npub, qrcode.Medium, 512, qrPath); err != nil {
				return fmt.Errorf("write QR code: %w", err)
			}
			fmt.Println("public id QR code saved to:", qrPath)
		}
		return nil
	},
}

var keyImportCmd = &cobra.Command{
	Use:   "import <nsec or hex>",
	Short: "Import an existing secret key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		key, err := keys.DecodeSecretKey(args[0])
		if err != nil {
			return err
		}
		// Normalize to the canonical textual form regardless of input.
		nsec, err := key.Nsec()
		if err != nil {
			return err
		}
		if err := a.store.SetSetting(settingSecretKey, nsec); err != nil {
			return err
		}
		npub, _ := key.Npub()
		color.Green("✓ identity imported")
		fmt.Println("  public id:", npub)
		return nil
	},
}

func init() {
	keyShowCmd.Flags().BoolVar(&keyQR, "qr", false, "also write the public id as a QR code PNG")
	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyShowCmd)
	keyCmd.AddCommand(keyImportCmd)
}
