// apitest exercises the REST surface and the rate-limit governor against
// the live API. Requires DISCORD_TOKEN; pass --channel to also exercise
// the message routes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calebgardner/discordlink/internal/rest"
)

func main() {
	channelID := flag.String("channel", "", "channel id for message route tests")
	flag.Parse()

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		log.Fatal("DISCORD_TOKEN is required")
	}

	client := rest.NewClient(token,
		rest.WithTimeout(30*time.Second),
		rest.WithMaxPipeline(2),
	)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Test 1: Gateway discovery (unauthenticated)
	fmt.Println("=== Testing GetGateway ===")
	gw, err := client.GetGateway(ctx)
	if err != nil {
		log.Fatalf("GetGateway failed: %v", err)
	}
	fmt.Printf("Gateway URL: %s\n", gw.URL)

	// Test 2: Authenticated discovery with the identify budget
	fmt.Println("\n=== Testing GetGatewayBot ===")
	bot, err := client.GetGatewayBot(ctx)
	if err != nil {
		log.Fatalf("GetGatewayBot failed: %v", err)
	}
	fmt.Printf("Recommended shards: %d\n", bot.Shards)
	fmt.Printf("Identify budget: %d/%d (resets in %dms)\n",
		bot.SessionStartLimit.Remaining,
		bot.SessionStartLimit.Total,
		bot.SessionStartLimit.ResetAfter,
	)

	// Test 3: Current user
	fmt.Println("\n=== Testing GetCurrentUser ===")
	me, err := client.GetCurrentUser(ctx)
	if err != nil {
		log.Fatalf("GetCurrentUser failed: %v", err)
	}
	fmt.Printf("Logged in as %s (%s)\n", me.Username, me.ID)

	if *channelID == "" {
		fmt.Println("\n=== Done (pass --channel to test message routes) ===")
		return
	}

	// Test 4: Channel fetch
	fmt.Printf("\n=== Testing GetChannel (%s) ===\n", *channelID)
	ch, err := client.GetChannel(ctx, *channelID)
	if err != nil {
		log.Fatalf("GetChannel failed: %v", err)
	}
	fmt.Printf("Channel: %s (type %d)\n", ch.Name, ch.Type)

	// Test 5: Message lifecycle through one bucket's queue
	fmt.Println("\n=== Testing message lifecycle ===")
	msg, err := client.CreateMessage(ctx, *channelID, rest.CreateMessageParams{
		Content: "rate-limit governor test",
	})
	if err != nil {
		log.Fatalf("CreateMessage failed: %v", err)
	}
	fmt.Printf("Created message %s\n", msg.ID)

	edited, err := client.EditMessage(ctx, *channelID, msg.ID, rest.EditMessageParams{
		Content: "rate-limit governor test (edited)",
	})
	if err != nil {
		log.Fatalf("EditMessage failed: %v", err)
	}
	fmt.Printf("Edited message %s\n", edited.ID)

	if err := client.CreateReaction(ctx, *channelID, msg.ID, "✅"); err != nil {
		log.Fatalf("CreateReaction failed: %v", err)
	}
	fmt.Println("Reaction added")

	if err := client.DeleteMessage(ctx, *channelID, msg.ID); err != nil {
		log.Fatalf("DeleteMessage failed: %v", err)
	}
	fmt.Println("Message deleted")

	// Test 6: A burst through one bucket; the governor serializes these
	// and absorbs any throttling.
	fmt.Println("\n=== Testing bucket queueing under a burst ===")
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			return client.TriggerTyping(gctx, *channelID)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("typing burst failed: %v", err)
	}
	fmt.Printf("5 calls on one bucket completed in %s\n", time.Since(start).Round(time.Millisecond))
	if until, paused := client.GlobalPause(); paused {
		fmt.Printf("global pause active until %s\n", until.Format(time.RFC3339))
	}

	fmt.Println("\n=== All API tests passed! ===")
}
