package checkpoint

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultInterval    = 15 * time.Minute
	DefaultTxThreshold = 100000
)

// Scheduler checkpoints every Interval if any transaction has committed, or sooner once
// TxThreshold transactions have committed since the last checkpoint.
type Scheduler struct {
	Checkpointer *Checkpointer
	Committed    func() uint64
	Interval     time.Duration
	TxThreshold  uint64
	Logger       log.FieldLogger

	// Poll is how often the threshold is checked.
	Poll time.Duration
}

func (s Scheduler) defaults() Scheduler {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.TxThreshold == 0 {
		s.TxThreshold = DefaultTxThreshold
	}
	if s.Poll <= 0 {
		s.Poll = time.Second
		if s.Poll > s.Interval {
			s.Poll = s.Interval
		}
	}
	if s.Logger == nil {
		s.Logger = log.StandardLogger()
	}
	return s
}

// Run checkpoints until ctx is done.
func (s Scheduler) Run(ctx context.Context) {
	s = s.defaults()

	ticker := time.NewTicker(s.Poll)
	defer ticker.Stop()

	lastCommitted := s.Committed()
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			committed := s.Committed()
			if committed == lastCommitted {
				continue
			}

			var reason string
			if committed-lastCommitted >= s.TxThreshold {
				reason = "tx threshold"
			} else if now.Sub(lastTime) >= s.Interval {
				reason = "interval"
			} else {
				continue
			}

			_, ok, err := s.Checkpointer.TryCheckpoint(ctx, "scheduled: "+reason)
			if err != nil {
				s.Logger.WithError(err).Error("checkpoint: scheduled checkpoint failed")
			} else if ok {
				lastCommitted = committed
				lastTime = now
			}
		}
	}
}
