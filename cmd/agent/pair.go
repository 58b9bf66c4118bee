package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/config"
	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/identity"
	"github.com/notifyhub/signal-sync/internal/ingest"
)

var version = "dev"

// runPair exchanges a pairing code for a device token and saves it. A
// running agent picks the new identity up through its file watch.
func runPair(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var endpoint, code string
	timeout := 30 * time.Second

	fs := pflag.NewFlagSet("agent pair", pflag.ContinueOnError)
	fs.StringVar(&endpoint, "endpoint", "", "ingest endpoint URL (required)")
	fs.StringVar(&code, "code", "", "pairing code shown by the server (required)")
	fs.StringVar(&cfg.IdentityPath, "identity", cfg.IdentityPath, "device identity file")
	fs.DurationVar(&timeout, "timeout", timeout, "activation request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if endpoint == "" || code == "" {
		return errors.New("pair: --endpoint and --code are required")
	}

	ids := identity.NewFileSource(cfg.IdentityPath)
	deviceID, err := ids.EnsureDeviceID()
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	hostname, _ := os.Hostname()
	client := ingest.NewHTTPUploader(timeout, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.Activate(ctx, endpoint, ingest.ActivationRequest{
		DeviceID:    deviceID,
		PairingCode: code,
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		Hostname:    hostname,
		AppVersion:  version,
	})
	if err != nil {
		return err
	}

	uploadEndpoint := resp.Endpoint
	if uploadEndpoint == "" {
		uploadEndpoint = endpoint
	}
	if err := ids.Save(domain.DeviceIdentity{
		DeviceID:    deviceID,
		DeviceToken: resp.DeviceToken,
		Endpoint:    uploadEndpoint,
	}); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	fmt.Fprintf(os.Stdout, "paired device %s with %s\n", deviceID, uploadEndpoint)
	return nil
}
