package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.devbridge.dev/devbridge"
	"go.devbridge.dev/devbridge/internal/bridgetrace"
	"go.devbridge.dev/devbridge/internal/demoplugin"
)

func newRunCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DEVBRIDGE")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a desktop and serve the demo echo plugin until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "localhost", "desktop host to connect to")
	flags.Int("insecure-port", devbridge.DefaultInsecurePort, "enrollment port")
	flags.Int("secure-port", devbridge.DefaultSecurePort, "post-enrollment port")
	flags.String("app-dir", "", "private app directory the context store is rooted under (required)")
	flags.String("os", "linux", "identity: OS name reported to the desktop")
	flags.String("device", "devbridge-agent", "identity: device name reported to the desktop")
	flags.String("app", "devbridge-agent", "identity: app name reported to the desktop")
	flags.String("app-id", "com.devbridge.agent", "identity: app id used as the CSR common name")
	flags.String("health-addr", "", "address to serve the gRPC health check on, empty to disable")
	v.BindPFlags(flags)

	return cmd
}

func runAgent(cmd *cobra.Command, v *viper.Viper) error {
	appDir := v.GetString("app-dir")
	if appDir == "" {
		return fmt.Errorf("--app-dir is required")
	}

	cfg := &devbridge.Config{
		Host:                v.GetString("host"),
		OS:                  v.GetString("os"),
		Device:              v.GetString("device"),
		App:                 v.GetString("app"),
		AppID:               v.GetString("app-id"),
		PrivateAppDirectory: appDir,
		InsecurePort:        v.GetInt("insecure-port"),
		SecurePort:          v.GetInt("secure-port"),
		HealthListenAddr:    v.GetString("health-addr"),
	}

	logger := log.New(cmd.OutOrStderr(), "devbridge-agent: ", log.LstdFlags)
	ctx := bridgetrace.With(context.Background(), bridgetrace.LogTracer(logger))

	client := devbridge.NewClient(cfg)
	if err := client.AddPlugin(demoplugin.New("com.devbridge.echo")); err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	logger.Printf("running; interrupt to stop")
	<-interrupt
	return nil
}
