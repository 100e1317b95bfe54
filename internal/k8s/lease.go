package k8s

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	coordinationclient "k8s.io/client-go/kubernetes/typed/coordination/v1"
)

const (
	keyAnnotation  = "botd.io/key"
	managedByLabel = "app.kubernetes.io/managed-by"
	managedBy      = "botd"
	maxNameLen     = 63
)

// LeaseStore implements lock.Store on coordination.k8s.io Leases, for
// clusters that run without Redis. The value lives in the lease's holder
// identity and the TTL in its duration and renew time.
type LeaseStore struct {
	cs        kubernetes.Interface
	namespace string
	now       func() time.Time
}

func NewLeaseStore(cs kubernetes.Interface, namespace string) *LeaseStore {
	return &LeaseStore{cs: cs, namespace: namespace, now: time.Now}
}

// LeaseName maps an arbitrary store key onto a DNS-1123 lease name. A short
// hash of the key keeps distinct keys distinct after sanitizing.
func LeaseName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	sum := sha256.Sum256([]byte(key))
	suffix := "-" + hex.EncodeToString(sum[:4])

	name := strings.Trim(b.String(), "-")
	if len(name) > maxNameLen-len(suffix) {
		name = strings.TrimRight(name[:maxNameLen-len(suffix)], "-")
	}
	return name + suffix
}

func (s *LeaseStore) leases() coordinationclient.LeaseInterface {
	return s.cs.CoordinationV1().Leases(s.namespace)
}

// stamp writes value and a fresh expiry into lease.
func (s *LeaseStore) stamp(lease *coordinationv1.Lease, value string, ttl time.Duration) {
	now := metav1.NewMicroTime(s.now())
	lease.Spec.HolderIdentity = &value
	lease.Spec.RenewTime = &now
	lease.Spec.LeaseDurationSeconds = nil
	if ttl > 0 {
		secs := int32((ttl + time.Second - 1) / time.Second)
		lease.Spec.LeaseDurationSeconds = &secs
	}
}

func (s *LeaseStore) newLease(key, value string, ttl time.Duration) *coordinationv1.Lease {
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      LeaseName(key),
			Namespace: s.namespace,
			Labels: map[string]string{
				managedByLabel: managedBy,
			},
			Annotations: map[string]string{keyAnnotation: key},
		},
	}
	s.stamp(lease, value, ttl)
	return lease
}

// expired reports whether the lease's renew time plus duration has passed.
func (s *LeaseStore) expired(lease *coordinationv1.Lease) bool {
	spec := lease.Spec
	if spec.LeaseDurationSeconds == nil || spec.RenewTime == nil {
		return false
	}
	deadline := spec.RenewTime.Add(time.Duration(*spec.LeaseDurationSeconds) * time.Second)
	return !s.now().Before(deadline)
}

func holder(lease *coordinationv1.Lease) string {
	if lease.Spec.HolderIdentity == nil {
		return ""
	}
	return *lease.Spec.HolderIdentity
}

// live fetches the lease for key. A missing or expired lease returns nil.
func (s *LeaseStore) live(ctx context.Context, key string) (*coordinationv1.Lease, error) {
	lease, err := s.leases().Get(ctx, LeaseName(key), metav1.GetOptions{})
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", LeaseName(key), err)
	}
	if s.expired(lease) {
		return nil, nil
	}
	return lease, nil
}

// SetIfAbsent creates the lease, or takes over an expired one. Losing a
// create or update race to another writer reports false.
func (s *LeaseStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	lease, err := s.leases().Get(ctx, LeaseName(key), metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err := s.leases().Create(ctx, s.newLease(key, value, ttl), metav1.CreateOptions{})
		if errors.IsAlreadyExists(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("create lease: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get lease: %w", err)
	}
	if !s.expired(lease) {
		return false, nil
	}

	s.stamp(lease, value, ttl)
	if _, err := s.leases().Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) || errors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("take over lease: %w", err)
	}
	return true, nil
}

func (s *LeaseStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	lease, err := s.leases().Get(ctx, LeaseName(key), metav1.GetOptions{})
	if errors.IsNotFound(err) {
		if _, err := s.leases().Create(ctx, s.newLease(key, value, ttl), metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create lease: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get lease: %w", err)
	}
	s.stamp(lease, value, ttl)
	if _, err := s.leases().Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update lease: %w", err)
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	lease, err := s.live(ctx, key)
	if err != nil || lease == nil {
		return "", false, err
	}
	return holder(lease), true, nil
}

func (s *LeaseStore) Delete(ctx context.Context, key string) error {
	err := s.leases().Delete(ctx, LeaseName(key), metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

func (s *LeaseStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	lease, err := s.live(ctx, key)
	if err != nil || lease == nil || holder(lease) != owner {
		return false, err
	}
	s.stamp(lease, owner, ttl)
	if _, err := s.leases().Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) || errors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return true, nil
}

// Release deletes the lease with a resource version precondition, so a
// lease taken over since it was read is left alone.
func (s *LeaseStore) Release(ctx context.Context, key, owner string) (bool, error) {
	lease, err := s.live(ctx, key)
	if err != nil || lease == nil || holder(lease) != owner {
		return false, err
	}
	rv := lease.ResourceVersion
	err = s.leases().Delete(ctx, lease.Name, metav1.DeleteOptions{
		Preconditions: &metav1.Preconditions{ResourceVersion: &rv},
	})
	if errors.IsNotFound(err) || errors.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return true, nil
}

// Prune deletes expired leases written by this store. Heartbeats of a pod
// that died are never touched again otherwise.
func (s *LeaseStore) Prune(ctx context.Context) (int, error) {
	list, err := s.leases().List(ctx, metav1.ListOptions{LabelSelector: managedByLabel + "=" + managedBy})
	if err != nil {
		return 0, fmt.Errorf("list leases: %w", err)
	}
	pruned := 0
	for i := range list.Items {
		lease := &list.Items[i]
		if !s.expired(lease) {
			continue
		}
		rv := lease.ResourceVersion
		err := s.leases().Delete(ctx, lease.Name, metav1.DeleteOptions{
			Preconditions: &metav1.Preconditions{ResourceVersion: &rv},
		})
		if errors.IsNotFound(err) || errors.IsConflict(err) {
			continue
		}
		if err != nil {
			return pruned, fmt.Errorf("delete lease %s: %w", lease.Name, err)
		}
		pruned++
	}
	return pruned, nil
}

// RunPruner prunes expired leases once per interval until ctx is cancelled.
func (s *LeaseStore) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx)
			if err != nil {
				slog.Warn("k8s: failed to prune leases", "namespace", s.namespace, "err", err)
				continue
			}
			if n > 0 {
				slog.Info("k8s: pruned expired leases", "namespace", s.namespace, "count", n)
			}
		}
	}
}
