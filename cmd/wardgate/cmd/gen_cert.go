package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Ward-Gate/wardgate/internal/adapter/outbound/tlscert"
)

var (
	genCertFile  string
	genKeyFile   string
	genCertHosts []string
	genCertForce bool
)

var genCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate the self-signed TLS certificate pair",
	Long: `Generate a self-signed ECDSA certificate pair for the gateway.

An existing pair that is still valid is kept unless --force is given.
Point server.tls_cert and server.tls_key at the generated files to serve TLS.

Examples:
  # Generate into the default location
  wardgate gen-cert

  # Generate for additional hostnames
  wardgate gen-cert --hosts localhost,gateway.local,192.168.1.10`,
	RunE: runGenCert,
}

func init() {
	genCertCmd.Flags().StringVar(&genCertFile, "cert", "", "certificate output path (default: ~/.wardgate/cert.pem)")
	genCertCmd.Flags().StringVar(&genKeyFile, "key", "", "private key output path (default: ~/.wardgate/key.pem)")
	genCertCmd.Flags().StringSliceVar(&genCertHosts, "hosts", []string{"localhost"}, "DNS names and IP addresses for the certificate")
	genCertCmd.Flags().BoolVar(&genCertForce, "force", false, "regenerate even if a valid pair exists")
	rootCmd.AddCommand(genCertCmd)
}

func runGenCert(cmd *cobra.Command, args []string) error {
	certFile, keyFile := genCertFile, genKeyFile
	if certFile == "" || keyFile == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot resolve home directory: %w", err)
		}
		if certFile == "" {
			certFile = filepath.Join(homeDir, ".wardgate", "cert.pem")
		}
		if keyFile == "" {
			keyFile = filepath.Join(homeDir, ".wardgate", "key.pem")
		}
	}

	manager := tlscert.NewManager(certFile, keyFile, nil)
	if genCertForce {
		if err := manager.Generate(genCertHosts); err != nil {
			return err
		}
	} else {
		if err := manager.Ensure(genCertHosts); err != nil {
			return err
		}
	}

	fmt.Printf("Certificate: %s\n", certFile)
	fmt.Printf("Private key: %s\n", keyFile)
	return nil
}
