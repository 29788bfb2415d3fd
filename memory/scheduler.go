package memory

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler periodically sweeps the manager so the elapsed-time
// consolidation trigger fires even for agents that stopped receiving
// interactions.
type Scheduler struct {
	cron *cron.Cron
	mgr  *Manager
}

// NewScheduler creates a scheduler that sweeps at the given period.
func NewScheduler(mgr *Manager, every time.Duration) (*Scheduler, error) {
	if every <= 0 {
		return nil, fmt.Errorf("sweep period must be positive")
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), mgr.Sweep); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return &Scheduler{cron: c, mgr: mgr}, nil
}

// Start begins sweeping in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("[MEMORY] Consolidation sweep scheduler started")
}

// Stop halts sweeping. Runs already started by a sweep finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
