package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/votechain/votechain/internal/alert"
)

// Source is what the Verifier checks. *ledger.Ledger implements it.
type Source interface {
	VerifyIntegrity() Result
	VerifyPersisted(ctx context.Context) (Result, error)
}

type VerifierConfig struct {
	OnStartup bool
	// Interval between background runs; zero disables them.
	Interval time.Duration
	// Persisted re-reads the store on every run instead of checking memory only.
	Persisted bool
}

// Verifier runs chain verification at startup and on a fixed interval,
// logging every run and alerting once per distinct failure.
type Verifier struct {
	source       Source
	config       VerifierConfig
	logger       *slog.Logger
	alertManager *alert.Manager

	mu          sync.Mutex
	lastFailure *Failure
	runs        int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewVerifier(source Source, config VerifierConfig, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		source: source,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

func (v *Verifier) SetAlertManager(am *alert.Manager) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.alertManager = am
}

func (v *Verifier) Start(ctx context.Context) error {
	if v.config.Interval < 0 {
		return fmt.Errorf("invalid verify interval: %s", v.config.Interval)
	}

	if v.config.OnStartup {
		v.logger.Info("Running startup chain verification", "persisted", v.config.Persisted)
		// A failed startup check is reported but does not stop the watcher.
		_, _ = v.VerifyOnce(ctx)
	}

	if v.config.Interval > 0 {
		v.wg.Add(1)
		go v.runPeriodicVerification(ctx)
	}

	return nil
}

func (v *Verifier) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
	v.wg.Wait()
}

func (v *Verifier) runPeriodicVerification(ctx context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(v.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = v.VerifyOnce(ctx)
		}
	}
}

// VerifyOnce runs a single verification. The error is non-nil only when the
// persisted chain could not be read; an integrity failure is reported in the
// Result.
func (v *Verifier) VerifyOnce(ctx context.Context) (Result, error) {
	var (
		result Result
		err    error
	)
	if v.config.Persisted {
		result, err = v.source.VerifyPersisted(ctx)
	} else {
		result = v.source.VerifyIntegrity()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.runs++

	if err != nil {
		v.logger.Error("Chain verification could not run", "error", err)
		if v.alertManager != nil {
			_ = v.alertManager.SendSystemAlert("Chain Verification Failed", err.Error(), alert.SeverityWarning)
		}
		return result, err
	}

	if result.OK() {
		if v.lastFailure != nil {
			v.logger.Info("Chain verified after earlier failure", "blocks", result.Checked)
			if v.alertManager != nil {
				if err := v.alertManager.SendRecoveredAlert(result.Checked); err != nil {
					v.logger.Warn("Failed to send recovery alert", "error", err)
				}
			}
		} else {
			v.logger.Debug("Chain verified", "blocks", result.Checked)
		}
		v.lastFailure = nil
		return result, nil
	}

	f := *result.Failure
	v.logger.Error("INTEGRITY VIOLATION",
		"index", f.Index,
		"kind", f.Kind,
		"expected", f.Expected,
		"actual", f.Actual,
	)

	if v.lastFailure == nil || *v.lastFailure != f {
		if v.alertManager != nil {
			if err := v.alertManager.SendIntegrityAlert(f.Index, string(f.Kind), f.Expected, f.Actual); err != nil {
				v.logger.Warn("Failed to send integrity alert", "error", err)
			}
		}
	}
	v.lastFailure = &f

	return result, nil
}

// Runs returns how many verifications have completed.
func (v *Verifier) Runs() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.runs
}
