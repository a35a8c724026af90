// Command msvd is the MSV engine daemon (spec.md §C "Daemon mode"),
// adapted from the teacher's Engined/main.go RabbitMQ consumer: instead of
// shelling out to a scanner subprocess per task, it decodes a
// BatchCheckTask from msv_batch_queue and invokes the in-process Batch
// Executor directly, and, when the task carries a ReplyURL, posting the
// per-item ComplianceResult rows to that URL via Batch.ResultSink.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/antiginx/msv-engine/Batch"
	"github.com/antiginx/msv-engine/Bootstrap"
	"github.com/antiginx/msv-engine/GlobalHandler"
	"github.com/antiginx/msv-engine/Logging"
	"github.com/antiginx/msv-engine/Types"
)

var log = Logging.New(true)

// BatchCheckTask is the JSON message body consumed from msv_batch_queue.
type BatchCheckTask struct {
	ID       string       `json:"id"`
	Items    []Batch.Item `json:"items"`
	ReplyURL string       `json:"replyUrl,omitempty"`
}

func main() {
	handler := GlobalHandler.New(false)
	os.Exit(handler.RunSafe(run))
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, continuing with process environment")
	}
	log.Info("MSV daemon starting")

	engine, err := Bootstrap.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	rabbitmqURL := engine.Config.RabbitMQURL
	if rabbitmqURL == "" {
		return fmt.Errorf("RABBITMQ_URL environment variable is not set")
	}

	conn, err := amqp.Dial(rabbitmqURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	msgs, err := ch.Consume("msv_batch_queue", "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	exec := Batch.New(engine.Coordinator)

	for {
		select {
		case closeErr := <-connClosed:
			return fmt.Errorf("RabbitMQ connection closed: %v", closeErr)
		case <-interrupt:
			log.Info("MSV daemon shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("msv_batch_queue consumer channel closed")
			}
			handleTask(exec, msg)
		}
	}
}

func handleTask(exec *Batch.Executor, msg amqp.Delivery) {
	var task BatchCheckTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		log.WithError(err).Error("task parsing error")
		msg.Nack(false, false)
		return
	}
	log.WithFields(logrus.Fields{"batchId": task.ID, "items": len(task.Items)}).Info("received batch task")

	results := exec.Check(context.Background(), task.Items, Batch.Options{})

	if task.ReplyURL != "" {
		publishResults(results, task.ID, task.ReplyURL)
	}

	msg.Ack(false)
}

func publishResults(results []Types.ComplianceResult, batchID, replyURL string) {
	ch := make(chan Types.ComplianceResult, len(results))
	sink := Batch.NewResultSink(ch, replyURL, batchID)
	done := sink.StartListening()
	for _, r := range results {
		ch <- r
	}
	close(ch)
	if failed := <-done; failed > 0 {
		log.WithFields(logrus.Fields{"batchId": batchID, "failed": failed, "total": len(results)}).Warn("failed to publish some results")
	}
}
