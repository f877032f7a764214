package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/ryanlecours/loam-logger-sub002/internal/app"
	"github.com/ryanlecours/loam-logger-sub002/internal/backfill"
	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

func main() {
	// Disable structured logging for CLI
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "help" {
		printUsage()
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx := context.Background()
	args := os.Args[2:]

	switch command {
	case "backfill":
		err = handleBackfill(ctx, a, args)
	case "status":
		err = handleStatus(ctx, a, args)
	case "sessions":
		err = handleSessions(ctx, a, args)
	case "strava-subscriptions":
		err = handleSubscriptions(ctx, a, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		a.Close()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.Close()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`loam-logger sync CLI

Usage:
  cli <command> [arguments]

Commands:
  backfill <userId> <provider> <year|ytd>   Run a historical import now
  status <userId> <provider>                Show backfill and import session state
  sessions finalize                         Complete import sessions that went idle
  strava-subscriptions list                 List Strava webhook subscriptions
  strava-subscriptions create               Subscribe PUBLIC_URL/webhooks/strava
  strava-subscriptions delete <id>          Delete a Strava webhook subscription
  help                                      Show this help message

Examples:
  cli backfill user-123 garmin 2023
  cli backfill user-123 garmin ytd
  cli status user-123 garmin
  cli strava-subscriptions delete 12345

Environment Variables:
  INTERNAL_API_KEY       - Required by the server configuration
  DATABASE_PATH          - SQLite database (default: ./data.db)
  GARMIN_CLIENT_ID/SECRET, WHOOP_CLIENT_ID/SECRET, STRAVA_CLIENT_ID/SECRET
  STRAVA_VERIFY_TOKEN    - Token for Strava webhook verification
  PUBLIC_URL             - Externally reachable base URL`)
}

func handleBackfill(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: cli backfill <userId> <provider> <year|ytd>")
	}
	userID, providerName, yearKey := args[0], args[1], args[2]

	fmt.Printf("Backfilling %s %s for %s...\n", providerName, yearKey, userID)

	res, err := a.Orchestrator.TriggerBackfill(ctx, userID, providerName, yearKey)
	if errors.Is(err, backfill.ErrDuplicateWindow) {
		fmt.Printf("Nothing to do: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("\nWindow: %s to %s\n", res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))
	fmt.Printf("  Status: %s\n", res.Status)
	fmt.Printf("  Chunks accepted: %d\n", res.Accepted)
	fmt.Printf("  Chunks already requested: %d\n", res.Duplicates)
	fmt.Printf("  Chunks failed: %d\n", res.Failed)
	if res.RangeAdjustments > 0 {
		fmt.Printf("  Range adjustments: %d\n", res.RangeAdjustments)
	}
	if res.Listed > 0 {
		fmt.Printf("  Activities queued: %d\n", res.Listed)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  Warning: %s\n", w)
	}
	return nil
}

func handleStatus(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: cli status <userId> <provider>")
	}
	summary, err := a.Orchestrator.Status(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func handleSessions(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 || args[0] != "finalize" {
		return errors.New("usage: cli sessions finalize")
	}
	n, err := a.Tracker.FinalizeIdle(ctx, a.Config.ImportIdleTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("Completed %d idle import session(s)\n", n)
	return nil
}

func handleSubscriptions(ctx context.Context, a *app.App, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: cli strava-subscriptions list|create|delete <id>")
	}

	c, err := a.Registry.Get(provider.Strava)
	if err != nil {
		return err
	}
	client, ok := c.(*provider.StravaClient)
	if !ok {
		return errors.New("strava client does not support subscriptions")
	}

	switch args[0] {
	case "list":
		return handleList(ctx, client)
	case "create":
		return handleCreate(ctx, client, a.Config)
	case "delete":
		if len(args) != 2 {
			return errors.New("usage: cli strava-subscriptions delete <id>")
		}
		return handleDelete(ctx, client, args[1])
	default:
		return fmt.Errorf("unknown strava-subscriptions command %q", args[0])
	}
}

func handleList(ctx context.Context, client *provider.StravaClient) error {
	fmt.Println("Fetching subscriptions...")

	subscriptions, err := client.ListSubscriptions(ctx)
	if err != nil {
		return err
	}

	if len(subscriptions) == 0 {
		fmt.Println("No active subscriptions found.")
		fmt.Println("\nTo create a subscription, run: cli strava-subscriptions create")
		return nil
	}

	fmt.Printf("\nFound %d subscription(s):\n\n", len(subscriptions))
	for _, sub := range subscriptions {
		fmt.Printf("ID: %d\n", sub.ID)
		fmt.Printf("  Application ID: %d\n", sub.ApplicationID)
		fmt.Printf("  Callback URL: %s\n", sub.CallbackURL)
		fmt.Printf("  Created: %s\n", sub.CreatedAt)
		fmt.Printf("  Updated: %s\n", sub.UpdatedAt)
		fmt.Println()
	}
	return nil
}

func handleCreate(ctx context.Context, client *provider.StravaClient, cfg *config.Config) error {
	callbackURL := cfg.PublicURL + "/webhooks/strava"

	fmt.Printf("Creating webhook subscription...\n")
	fmt.Printf("Callback URL: %s\n", callbackURL)
	fmt.Println()

	subscription, err := client.CreateSubscription(ctx, callbackURL)
	if err != nil {
		var httpErr *provider.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 400 {
			fmt.Fprintf(os.Stderr, "Response: %s\n", httpErr.Body)
			fmt.Fprintln(os.Stderr, "\nPossible issues:")
			fmt.Fprintln(os.Stderr, "- A subscription already exists for this application")
			fmt.Fprintln(os.Stderr, "- The callback URL is not accessible from Strava")
			fmt.Fprintln(os.Stderr, "- The verify token does not match")
		}
		return err
	}

	fmt.Println("✓ Subscription created successfully!")
	fmt.Printf("  ID: %d\n", subscription.ID)
	fmt.Printf("  Application ID: %d\n", subscription.ApplicationID)
	fmt.Printf("  Callback URL: %s\n", subscription.CallbackURL)
	fmt.Printf("  Created At: %s\n", subscription.CreatedAt)
	return nil
}

func handleDelete(ctx context.Context, client *provider.StravaClient, idStr string) error {
	subscriptionID, err := strconv.Atoi(idStr)
	if err != nil {
		return fmt.Errorf("invalid subscription ID: %s", idStr)
	}

	fmt.Printf("Deleting subscription %d...\n", subscriptionID)

	if err := client.DeleteSubscription(ctx, subscriptionID); err != nil {
		if provider.IsNotFound(err) {
			return fmt.Errorf("subscription %d not found", subscriptionID)
		}
		return err
	}

	fmt.Println("✓ Subscription deleted successfully!")
	return nil
}
