package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "sbtransport",
		Usage: "Send, publish and receive messages on Azure Service Bus",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			{
				Name:   "provision",
				Usage:  "Create the input queue and correct its configuration",
				Action: provision,
			},
			{
				Name:      "create-queue",
				Usage:     "Create queues that do not exist",
				ArgsUsage: "<queue>...",
				Action:    createQueue,
			},
			{
				Name:      "send",
				Usage:     "Send messages to a queue",
				ArgsUsage: "<queue>",
				Flags:     messageFlags(),
				Action:    send,
			},
			{
				Name:      "publish",
				Usage:     "Publish messages to a topic",
				ArgsUsage: "<topic>",
				Flags:     messageFlags(),
				Action:    publish,
			},
			{
				Name:   "receive",
				Usage:  "Receive messages from the input queue",
				Flags:  receiveFlags(),
				Action: receive,
			},
			{
				Name:      "subscribe",
				Usage:     "Forward messages published on topics to the input queue",
				ArgsUsage: "<topic>...",
				Action:    subscribe,
			},
			{
				Name:      "unsubscribe",
				Usage:     "Stop forwarding messages published on topics to the input queue",
				ArgsUsage: "<topic>...",
				Action:    unsubscribe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
