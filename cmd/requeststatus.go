package cmd

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/gateway/internal/core"
	"example.com/backstage/services/gateway/internal/infrastructure"
	"github.com/spf13/cobra"
)

// requestStatusCmd broadcasts a status request to the whole fleet. Useful
// after an outage to rebuild current state without waiting for the next
// scheduled report.
var requestStatusCmd = &cobra.Command{
	Use:   "request-status",
	Short: "Broadcast a status request to all devices",
	Long: `Publishes an empty message on the global status request topic, asking
every device in the fleet to report its current module states.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequestStatus()
	},
}

func init() {
	rootCmd.AddCommand(requestStatusCmd)
}

func runRequestStatus() error {
	client, err := infrastructure.NewMQTTClient(cfg.MQTT, nil, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("MQTT client setup failed: %w", err)
	}
	if err := client.Start(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Publish(ctx, core.TopicStatusRequest, []byte{}); err != nil {
		return fmt.Errorf("failed to publish status request: %w", err)
	}

	logger.WithField("topic", core.TopicStatusRequest).Info("Status request broadcast")
	return nil
}
