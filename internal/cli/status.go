package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AuraHome/aura/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ Aura Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 Aura Status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults apply)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ Unreadable: %v\n", err)
			return
		}
		fmt.Printf("Mode:    %s\n", cfg.Network.Mode)

		rootCert := filepath.Join(cfg.Paths.CertDir, "root.crt")
		if _, err := os.Stat(rootCert); err == nil {
			fmt.Println("CA:      ✓ Initialized (" + rootCert + ")")
		} else {
			fmt.Println("CA:      ✗ Not initialized (run 'aura certs init' first)")
		}

		switch cfg.Network.Mode {
		case config.ModeServer:
			fmt.Printf("Listen:  %s:%d\n", cfg.Network.BindHost, cfg.Network.Port)
		case config.ModeClient:
			fmt.Printf("Hub:     %s\n", cfg.Network.ServerAddr)
			fmt.Printf("Client:  %s\n", cfg.Network.ClientID)
		}
		fmt.Println("Status:  Ready")
	},
}
