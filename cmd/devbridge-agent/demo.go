package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.devbridge.dev/devbridge"
	"go.devbridge.dev/devbridge/internal/bridgetrace"
	"go.devbridge.dev/devbridge/internal/demoplugin"
	"go.devbridge.dev/devbridge/internal/mockdesktop"
)

// newDemoCommand runs a throwaway mockdesktop.Server alongside a real
// devbridge.Client pointed at it over loopback, so the full
// enrollment-then-connect cycle (spec.md §4.4's state diagram) can be
// watched end to end without a real desktop. Flags mirror "run"'s
// identity/app-dir surface; host and port flags are dropped since the
// client dials whatever loopback ports the mock desktop happens to bind.
func newDemoCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DEVBRIDGE_DEMO")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process mock desktop and connect the demo echo plugin to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("app-dir", "", "private app directory the context store is rooted under (default: a temp directory)")
	flags.String("os", "linux", "identity: OS name reported to the mock desktop")
	flags.String("device", "devbridge-agent-demo", "identity: device name reported to the mock desktop")
	flags.String("app", "devbridge-agent-demo", "identity: app name reported to the mock desktop")
	flags.String("app-id", "com.devbridge.agent.demo", "identity: app id used as the CSR common name")
	v.BindPFlags(flags)

	return cmd
}

func runDemo(cmd *cobra.Command, v *viper.Viper) error {
	appDir := v.GetString("app-dir")
	if appDir == "" {
		dir, err := os.MkdirTemp("", "devbridge-agent-demo-")
		if err != nil {
			return fmt.Errorf("creating temp app directory: %w", err)
		}
		defer os.RemoveAll(dir)
		appDir = dir
	}

	desktop, err := mockdesktop.New()
	if err != nil {
		return fmt.Errorf("minting mock desktop CA: %w", err)
	}

	insecureListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding enrollment listener: %w", err)
	}
	defer insecureListener.Close()

	tlsConfig, err := desktop.SecureTLSConfig()
	if err != nil {
		return fmt.Errorf("building mock desktop TLS config: %w", err)
	}
	rawSecureListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding secure listener: %w", err)
	}
	defer rawSecureListener.Close()
	secureListener := tls.NewListener(rawSecureListener, tlsConfig)

	insecureSrv := &http.Server{Handler: desktop.InsecureHandler()}
	secureSrv := &http.Server{Handler: desktop.SecureHandler()}
	go insecureSrv.Serve(insecureListener)
	go secureSrv.Serve(secureListener)
	defer insecureSrv.Close()
	defer secureSrv.Close()

	insecureHost, insecurePort := mockdesktop.Addr(insecureListener)
	_, securePort := mockdesktop.Addr(secureListener)

	cfg := &devbridge.Config{
		Host:                insecureHost,
		OS:                  v.GetString("os"),
		Device:              v.GetString("device"),
		App:                 v.GetString("app"),
		AppID:               v.GetString("app-id"),
		PrivateAppDirectory: appDir,
		InsecurePort:        insecurePort,
		SecurePort:          securePort,
	}

	logger := log.New(cmd.OutOrStderr(), "devbridge-agent demo: ", log.LstdFlags)
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
	logger.Printf("mock desktop listening on %s (enroll) / %d (secure); interrupt to stop", insecureListener.Addr(), securePort)
	<-interrupt
	return nil
}
