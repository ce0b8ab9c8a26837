// Package leader provides Kubernetes Lease-based leader election so that
// only one replica accepts bids at a time.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/bidsync/internal/config"
)

var (
	// ErrNotLeader is reported by Check while another replica holds the lease.
	ErrNotLeader = errors.New("not the leader")
	// ErrLeadershipLost is returned by Run when the lease is lost while the
	// parent context is still live.
	ErrLeadershipLost = errors.New("leadership lost")
)

// identity returns a unique identity for this instance.
// It uses the POD_NAME env var if set, otherwise the hostname.
func identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// ClientFactory creates a Kubernetes clientset.
// Extracted as a variable for testing.
var ClientFactory = func() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Elector runs leader-only work while this replica holds the lease.
type Elector struct {
	cfg      config.LeaderElectionConfig
	logger   *slog.Logger
	identity string
	leading  atomic.Bool
}

// New creates an Elector. With election disabled the replica always leads.
func New(cfg config.LeaderElectionConfig, logger *slog.Logger) *Elector {
	return &Elector{cfg: cfg, logger: logger, identity: identity()}
}

// IsLeader reports whether lead is currently running.
func (e *Elector) IsLeader() bool { return e.leading.Load() }

// Check is a readiness check that fails unless this replica leads.
func (e *Elector) Check(context.Context) error {
	if !e.IsLeader() {
		return ErrNotLeader
	}
	return nil
}

// Run calls lead once leadership is acquired and blocks until ctx is done or
// leadership is lost. lead should block until its context is done.
func (e *Elector) Run(ctx context.Context, lead func(ctx context.Context)) error {
	if !e.cfg.Enabled {
		e.leading.Store(true)
		defer e.leading.Store(false)
		lead(ctx)
		return nil
	}

	e.logger.Info("starting leader election",
		slog.String("identity", e.identity),
		slog.String("lease", e.cfg.LeaseName),
		slog.String("namespace", e.cfg.LeaseNamespace),
	)

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      e.cfg.LeaseName,
			Namespace: e.cfg.LeaseNamespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: e.identity,
		},
	}

	var led atomic.Bool
	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   e.cfg.LeaseDuration,
		RenewDeadline:   e.cfg.RenewDeadline,
		RetryPeriod:     e.cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				e.logger.Info("acquired leadership", slog.String("identity", e.identity))
				led.Store(true)
				e.leading.Store(true)
				lead(ctx)
			},
			OnStoppedLeading: func() {
				e.leading.Store(false)
				e.logger.Info("lost leadership", slog.String("identity", e.identity))
			},
			OnNewLeader: func(newID string) {
				if newID == e.identity {
					return
				}
				e.logger.Info("new leader elected", slog.String("leader", newID))
			},
		},
	})

	if ctx.Err() == nil && led.Load() {
		return ErrLeadershipLost
	}
	return nil
}
