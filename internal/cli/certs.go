package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AuraHome/aura/internal/ca"
	"github.com/AuraHome/aura/internal/config"
	"github.com/AuraHome/aura/internal/secrets"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage the certificate authority and issued identities",
}

var certsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the root certificate authority",
	RunE:  runCertsInit,
}

var certsServerCmd = &cobra.Command{
	Use:   "server <hostname>",
	Short: "Issue a server identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertsServer,
}

var certsClientCmd = &cobra.Command{
	Use:   "client <client-id>",
	Short: "Issue a client identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertsClient,
}

var certsRevokeCmd = &cobra.Command{
	Use:   "revoke <serial>",
	Short: "Revoke an issued certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertsRevoke,
}

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	RunE:  runCertsList,
}

var certsServerAddrs []string
var certsOutDir string

func init() {
	certsServerCmd.Flags().StringSliceVar(&certsServerAddrs, "addr", nil, "extra DNS names or IPs for the server certificate")
	certsClientCmd.Flags().StringVar(&certsOutDir, "out", "", "directory to write the client identity to (default: cert dir)")
	certsCmd.AddCommand(certsInitCmd)
	certsCmd.AddCommand(certsServerCmd)
	certsCmd.AddCommand(certsClientCmd)
	certsCmd.AddCommand(certsRevokeCmd)
	certsCmd.AddCommand(certsListCmd)
}

func openAuthority() (*ca.Authority, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	authority, err := ca.Open(cfg.Paths.CertDir, secrets.NewKeychain(cfg.Paths.DataDir), cfg.TLS.ClockSkew)
	if err != nil {
		return nil, nil, err
	}
	return authority, cfg, nil
}

func runCertsInit(cmd *cobra.Command, args []string) error {
	printHeader("🔐 Aura Certificate Authority")

	authority, cfg, err := openAuthority()
	if err != nil {
		return err
	}
	defer authority.Close()

	fmt.Println("Root CA:  ✓ Ready")
	fmt.Println("Cert dir: " + cfg.Paths.CertDir)
	fmt.Printf("Expires:  %s\n", authority.RootCert().NotAfter.Format("2006-01-02"))
	return nil
}

func runCertsServer(cmd *cobra.Command, args []string) error {
	printHeader("🔐 Issue Server Identity")

	authority, cfg, err := openAuthority()
	if err != nil {
		return err
	}
	defer authority.Close()

	id, err := authority.IssueServerCertificate(args[0], certsServerAddrs)
	if err != nil {
		return err
	}
	certPath := filepath.Join(cfg.Paths.CertDir, "server.crt")
	keyPath := filepath.Join(cfg.Paths.CertDir, "server.key")
	if err := os.WriteFile(certPath, id.CertPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, id.KeyPEM, 0o600); err != nil {
		return err
	}

	fmt.Printf("Serial: %d\n", id.Serial)
	fmt.Println("Cert:   " + certPath)
	fmt.Println("Key:    " + keyPath)
	return nil
}

func runCertsClient(cmd *cobra.Command, args []string) error {
	printHeader("🔐 Issue Client Identity")

	authority, cfg, err := openAuthority()
	if err != nil {
		return err
	}
	defer authority.Close()

	clientID := args[0]
	id, err := authority.IssueClientCertificate(clientID)
	if err != nil {
		return err
	}

	outDir := certsOutDir
	if outDir == "" {
		outDir = cfg.Paths.CertDir
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return err
	}
	certPath := filepath.Join(outDir, clientID+".crt")
	keyPath := filepath.Join(outDir, clientID+".key")
	rootPath := filepath.Join(outDir, "root.crt")
	if err := os.WriteFile(certPath, id.CertPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, id.KeyPEM, 0o600); err != nil {
		return err
	}
	// The client needs the root as its trust anchor; ship it alongside.
	if err := os.WriteFile(rootPath, authority.RootCertPEM(), 0o644); err != nil {
		return err
	}

	fmt.Printf("Serial: %d\n", id.Serial)
	fmt.Println("Cert:   " + certPath)
	fmt.Println("Key:    " + keyPath)
	fmt.Println("Root:   " + rootPath)
	fmt.Println("Copy all three files to the client device.")
	return nil
}

func runCertsRevoke(cmd *cobra.Command, args []string) error {
	printHeader("🔐 Revoke Certificate")

	serial, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid serial %q: %w", args[0], err)
	}

	authority, _, err := openAuthority()
	if err != nil {
		return err
	}
	defer authority.Close()

	if err := authority.Revoke(serial); err != nil {
		return err
	}
	fmt.Printf("Serial %d revoked. Existing sessions end on their next handshake.\n", serial)
	return nil
}

func runCertsList(cmd *cobra.Command, args []string) error {
	printHeader("🔐 Issued Certificates")

	authority, _, err := openAuthority()
	if err != nil {
		return err
	}
	defer authority.Close()

	records, err := authority.List()
	if err != nil {
		return err
	}
	fmt.Printf("%-8s %-24s %-8s %-12s %s\n", "SERIAL", "SUBJECT", "ROLE", "EXPIRES", "STATUS")
	for _, rec := range records {
		status := "valid"
		if rec.Revoked {
			status = "revoked"
		}
		fmt.Printf("%-8d %-24s %-8s %-12s %s\n",
			rec.Serial, rec.Subject, rec.Role, rec.NotAfter.Format("2006-01-02"), status)
	}
	return nil
}
