package ha

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// LeaderElector gates singleton background loops behind a Kubernetes Lease.
// With election disabled it leads from the moment Run is called.
type LeaderElector struct {
	config   *Config
	client   kubernetes.Interface
	identity string
	isLeader bool
	mu       sync.RWMutex
	logger   *slog.Logger
	onStart  func(ctx context.Context)
	onStop   func()
}

// NewLeaderElector creates a LeaderElector. client may be nil when election
// is disabled.
func NewLeaderElector(cfg *Config, client kubernetes.Interface, logger *slog.Logger) *LeaderElector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &LeaderElector{
		config:   cfg,
		client:   client,
		identity: cfg.Identity,
		logger:   logger,
	}
}

// InClusterClient builds a clientset from the pod's service account.
func InClusterClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return clientset, nil
}

// OnStartLeading registers a callback invoked when this replica becomes
// leader. Its context is cancelled when leadership is lost.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this replica loses
// leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// Run blocks until ctx is cancelled.
func (le *LeaderElector) Run(ctx context.Context) {
	if !le.config.LeaderElectionEnabled || le.client == nil {
		le.runStandalone(ctx)
		return
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      le.config.LeaseName,
			Namespace: le.config.LeaseNamespace,
		},
		Client: le.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: le.identity,
		},
	}

	le.logger.Info("starting leader election",
		"identity", le.identity,
		"lease", le.config.LeaseName,
		"namespace", le.config.LeaseNamespace,
		"leaseDuration", le.config.LeaseDuration,
	)

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   le.config.LeaseDuration,
		RenewDeadline:   le.config.RenewDeadline,
		RetryPeriod:     le.config.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: le.startLeading,
			OnStoppedLeading: le.stopLeading,
			OnNewLeader: func(identity string) {
				if identity != le.identity {
					le.logger.Info("new leader elected", "leader", identity)
				}
			},
		},
	})
}

func (le *LeaderElector) runStandalone(ctx context.Context) {
	le.logger.Info("leader election disabled, leading unconditionally", "identity", le.identity)
	done := make(chan struct{})
	go func() {
		defer close(done)
		le.startLeading(ctx)
	}()
	<-ctx.Done()
	<-done
	le.stopLeading()
}

func (le *LeaderElector) startLeading(ctx context.Context) {
	le.mu.Lock()
	le.isLeader = true
	le.mu.Unlock()
	le.logger.Info("elected as leader", "identity", le.identity)
	if le.onStart != nil {
		le.onStart(ctx)
	}
}

func (le *LeaderElector) stopLeading() {
	le.mu.Lock()
	le.isLeader = false
	le.mu.Unlock()
	le.logger.Info("lost leadership", "identity", le.identity)
	if le.onStop != nil {
		le.onStop()
	}
}
