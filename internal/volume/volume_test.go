// Package volume_test provides tests for the Volume Analyzer.
package volume_test

import (
	"testing"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/internal/volume"
	"go.uber.org/zap"
)

func TestConsecutiveHighResetsOnNormalCondition(t *testing.T) {
	a := volume.New(zap.NewNop(), volume.DefaultConfig())
	base := time.Now()

	for i := 0; i < 5; i++ {
		a.Append("ACME", 100, 0, base)
	}
	var snap types.VolumeSnapshot
	for i := 0; i < 3; i++ {
		snap = a.Append("ACME", 300, 0.5, base.Add(time.Duration(i+1)*time.Minute))
	}
	if snap.ConsecutiveHighCount == 0 {
		t.Fatal("expected consecutive high count to accumulate under sustained high volume")
	}

	snap = a.Append("ACME", 50, -0.1, base.Add(10*time.Minute))
	if snap.ConsecutiveHighCount != 0 {
		t.Fatalf("expected consecutive high count reset to 0, got %d", snap.ConsecutiveHighCount)
	}
}

func TestShouldPauseOnExtremeVolume(t *testing.T) {
	a := volume.New(zap.NewNop(), volume.DefaultConfig())
	base := time.Now()
	for i := 0; i < 20; i++ {
		a.Append("ACME", 100, 0, base.Add(time.Duration(i)*time.Minute))
	}
	a.Append("ACME", 500, 1.0, base.Add(21*time.Minute))

	pause, reason := a.ShouldPauseTrading("ACME")
	if !pause || reason == "" {
		t.Fatalf("expected pause on extreme volume, got pause=%v reason=%q", pause, reason)
	}
}

func TestCorrelationClampedToZeroOnZeroVariance(t *testing.T) {
	a := volume.New(zap.NewNop(), volume.DefaultConfig())
	base := time.Now()
	var snap types.VolumeSnapshot
	for i := 0; i < 25; i++ {
		snap = a.Append("ACME", 100, 0, base.Add(time.Duration(i)*time.Minute))
	}
	if snap.PriceVolumeCorr != 0 {
		t.Fatalf("expected zero correlation when price change has no variance, got %f", snap.PriceVolumeCorr)
	}
}
