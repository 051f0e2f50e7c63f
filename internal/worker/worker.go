package worker

import (
	"context"
	"errors"
	"log"

	"leadflow/internal/broker"
	"leadflow/internal/models"
	"leadflow/internal/service"
)

// PipelineWorker re-triggers enrichment from PaymentConfirmed events. The
// HTTP webhook path already starts enrichment inline; this consumer is the
// retry surface when that inline start failed or the process died mid-way.
// StartEnrichment's active-job guard makes the duplicate trigger harmless.
type PipelineWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewPipelineWorker creates a new pipeline worker
func NewPipelineWorker(
	consumer *broker.Consumer,
	enrichment *service.EnrichmentService,
	delivery *service.DeliveryService,
) *PipelineWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentConfirmed(func(ctx context.Context, event *models.PaymentConfirmedEvent) error {
		_, err := enrichment.StartEnrichment(ctx, event.SearchID)
		if err == nil {
			return nil
		}

		if errors.Is(err, service.ErrNoCandidates) {
			log.Printf("No enrichment candidates for %s, delivering directly", event.SearchID)
			if _, derr := delivery.DeliverOrder(ctx, event.SearchID, false); derr != nil {
				log.Printf("Direct delivery for %s failed: %v", event.SearchID, derr)
			}
			return nil
		}
		if errors.Is(err, service.ErrRetryExceeded) {
			// Terminal for this order; consuming the event again cannot help.
			log.Printf("Enrichment retries exhausted for %s", event.SearchID)
			return nil
		}

		log.Printf("Enrichment start for %s failed: %v", event.SearchID, err)
		return err
	})

	return &PipelineWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *PipelineWorker) Start(ctx context.Context) error {
	log.Println("Starting pipeline worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PipelineWorker) Stop() error {
	log.Println("Stopping pipeline worker...")
	return w.consumer.Close()
}
