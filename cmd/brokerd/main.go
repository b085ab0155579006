// Package main is the entry point for brokerd, a thin host process
// that wires the broker engine to the filesystem-backed config and
// logger, and exposes it over a tiny line-oriented protocol on stdin
// for local scripting and smoke testing (spec.md section 6: "a thin
// adapter layered on the core, not a network service").
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/b87dev/pubsub-broker/internal/broker"
	"github.com/b87dev/pubsub-broker/internal/broker/publish"
	"github.com/b87dev/pubsub-broker/internal/config"
	"github.com/b87dev/pubsub-broker/internal/logger"
	"github.com/b87dev/pubsub-broker/internal/pubsub/admin"
	"github.com/b87dev/pubsub-broker/internal/pubsub/publisher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "brokerd:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.InitLogger(); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	configMgr, err := config.NewManager()
	if err != nil {
		return fmt.Errorf("init config manager: %w", err)
	}
	defaults, err := configMgr.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	b := broker.New(broker.Options{
		DefaultBatching: publish.BatchingOptions{
			MaxMessages: defaults.MaxBatchMessages,
			MaxBytes:    defaults.MaxBatchBytes,
			MaxDelay:    defaults.MaxBatchDelay,
		},
		DefaultFlowControl: publish.FlowControlOptions{
			MaxOutstandingMessages: defaults.MaxOutstandingMessages,
			MaxOutstandingBytes:    defaults.MaxOutstandingBytes,
		},
	})
	logger.Info("broker started", "ackDeadline", defaults.AckDeadline.String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, b)
}

// serve reads one command per line from stdin until ctx is canceled
// or stdin closes. Each line is "<verb> <topic-or-sub> [arg]", where
// arg is the rest of the line as plain text (a publish payload, a pull
// count, or the command's other operand);
// results are written to stdout as one JSON object per line. This
// exists to let scripts and integration tests drive the broker without
// standing up any network transport.
func serve(ctx context.Context, b *broker.Broker) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("broker shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			respond(ctx, b, line)
		}
	}
}

func respond(ctx context.Context, b *broker.Broker, line string) {
	result, err := dispatch(ctx, b, line)
	if err != nil {
		logger.Error("command failed", "line", line, "error", err)
		emit(map[string]any{"error": err.Error()})
		return
	}
	emit(result)
}

func emit(v any) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func dispatch(ctx context.Context, b *broker.Broker, line string) (any, error) {
	fields := strings.SplitN(line, " ", 3)
	verb := fields[0]

	switch verb {
	case "create-topic":
		if len(fields) < 2 {
			return nil, fmt.Errorf("usage: create-topic <name>")
		}
		if err := admin.CreateTopicAdmin(ctx, b, fields[1], ""); err != nil {
			return nil, err
		}
		return map[string]string{"status": "created", "topic": fields[1]}, nil

	case "list-topics":
		return admin.ListTopicsAdmin(ctx, b)

	case "create-subscription":
		if len(fields) < 3 {
			return nil, fmt.Errorf("usage: create-subscription <name> <topic>")
		}
		topic := strings.Fields(fields[2])
		if len(topic) == 0 {
			return nil, fmt.Errorf("missing topic name")
		}
		if err := admin.CreateSubscriptionAdmin(ctx, b, fields[1], topic[0], admin.CreateSubscriptionOptions{}); err != nil {
			return nil, err
		}
		return map[string]string{"status": "created", "subscription": fields[1]}, nil

	case "list-subscriptions":
		return admin.ListSubscriptionsAdmin(ctx, b, "")

	case "publish":
		if len(fields) < 3 {
			return nil, fmt.Errorf("usage: publish <topic> <payload>")
		}
		id, err := publisher.PublishMessage(ctx, b, fields[1], fields[2], nil)
		if err != nil {
			return nil, err
		}
		return map[string]string{"messageId": id}, nil

	case "pull":
		if len(fields) < 2 {
			return nil, fmt.Errorf("usage: pull <subscription> [maxMessages]")
		}
		max := 10
		if len(fields) == 3 {
			if n, err := strconv.Atoi(strings.TrimSpace(fields[2])); err == nil {
				max = n
			}
		}
		msgs, err := b.Pull(ctx, fields[1], max)
		if err != nil {
			return nil, err
		}
		return msgs, nil

	case "ack":
		if len(fields) < 3 {
			return nil, fmt.Errorf("usage: ack <subscription> <ackId>")
		}
		results, err := b.Acknowledge(fields[1], []string{fields[2]})
		if err != nil {
			return nil, err
		}
		return results, nil

	default:
		return nil, fmt.Errorf("unknown command %q", verb)
	}
}
