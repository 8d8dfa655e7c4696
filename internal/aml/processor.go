package aml

import (
	"context"
	"time"

	"github.com/ksred/klear-core/internal/compliance"
	"github.com/rs/zerolog/log"
)

type Processor struct {
	service      *Service
	processDelay time.Duration // time between screening passes
	batchSize    int
}

func NewProcessor(service *Service, processDelay time.Duration, batchSize int) *Processor {
	if processDelay <= 0 {
		processDelay = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Processor{
		service:      service,
		processDelay: processDelay,
		batchSize:    batchSize,
	}
}

// Start begins the screening loop
func (p *Processor) Start(ctx context.Context) error {
	logger := log.With().Str("component", "aml_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting AML processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down AML processor")
			return nil
		case <-ticker.C:
			if _, err := p.ProcessPending(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to screen pending transactions")
			}
		}
	}
}

// ProcessPending screens one batch of unscreened transactions and reports how many were screened
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "aml_processor").Logger()

	pending, err := compliance.NewDatabase(p.service.db.WithContext(ctx)).ListUnscreened(p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	logger.Info().Int("pending_count", len(pending)).Msg("screening transactions")

	screened := 0
	for _, tx := range pending {
		if ctx.Err() != nil {
			return screened, ctx.Err()
		}
		result, err := p.service.Screen(ctx, tx.TxID)
		if err != nil {
			logger.Error().
				Err(err).
				Str("tx_id", tx.TxID).
				Msg("failed to screen transaction")
			continue
		}
		screened++
		logger.Debug().
			Str("tx_id", tx.TxID).
			Str("status", string(result.Transaction.Status)).
			Int("alerts", len(result.Alerts)).
			Msg("transaction screened")
	}
	return screened, nil
}
