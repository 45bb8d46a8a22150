// The mention worker consumes AI-mention events published by chat server
// nodes and hands them to downstream responders. Consumption is fully
// decoupled from the message pipeline: a slow worker never delays message
// delivery.
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ktb/chatapp/internal/messaging"
	"github.com/ktb/chatapp/internal/pipeline"
)

func main() {
	log.Println("starting mention worker...")

	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chatapp-mention-worker"

	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = natsClient.SubscribeMentions(func(data []byte) {
		var event pipeline.MentionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[mention] failed to unmarshal event: %v", err)
			return
		}

		log.Printf("[mention] room=%s message=%s sender=%s mentions=%v",
			event.RoomID, event.MessageID, event.SenderID, event.Mentions)

		// TODO: call the AI responder service once its endpoint is settled;
		// for now events are only acknowledged and logged.
	})
	if err != nil {
		log.Fatalf("failed to subscribe to mention events: %v", err)
	}

	log.Printf("mention worker running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
