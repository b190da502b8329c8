package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"

	"github.com/freightops/relay/configs"
	"github.com/freightops/relay/internal/rabbitmq"
)

// Publishes a bounce notification onto the bounces queue by hand. Useful when
// the provider webhook bridge is down and bounces have to be replayed from
// its logs: the server's bounce consumer picks them up like any other.
func main() {
	cfg := configs.InitConfig()
	args := os.Args
	if len(args) < 4 {
		log.Fatal("Usage: bounces <send_id> <recipient> <reason>")
		return
	}

	message := rabbitmq.BounceMessage{
		SendID:    args[1],
		Recipient: args[2],
		Reason:    args[3],
	}

	ctx := context.Background()
	rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.GetMainQueueNames())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = rabbitClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
		}
	}()
	slog.Info("RabbitMQ has been initialized successfully")

	marshalledMessage, err := json.Marshal(message)
	if err != nil {
		log.Fatal("There was an error in marshalling the bounce message, error: " + err.Error())
	}

	err = rabbitClient.PublishMessage(cfg.RabbitMQ.BouncesQueueName, string(marshalledMessage))
	if err != nil {
		log.Fatal("Error occurred while publishing bounce message, error: " + err.Error())
	}

	slog.Info("Bounce message has been published", "send_id", message.SendID, "recipient", message.Recipient, "queue_name", cfg.RabbitMQ.BouncesQueueName)
}
