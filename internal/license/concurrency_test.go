package license

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"entitlecli/internal/clock"
	"entitlecli/internal/policy"
	"entitlecli/pkg/contracts/domain"
)

// Readers must only ever observe one of the complete policies while the
// policy heartbeat replaces the policy in force underneath them.
func TestPolicySwapIsAtomicForReaders(t *testing.T) {
	const (
		swaps   = 60
		readers = 8
	)

	policies := make([]*policy.Policy, 4)
	tokens := make(map[string]string, len(policies))
	for i := range policies {
		policies[i] = issuePolicy(t, withID(fmt.Sprintf("pol-%d", i)))
		tokens[policies[i].ID()] = policies[i].Token()
	}

	provider := &mockPolicyProvider{}
	for i := 1; i <= swaps; i++ {
		provider.On("GetPolicyForUser", mock.Anything).Return(policies[i%len(policies)], nil).Once()
	}

	st := newTestStore(t)
	s := NewSession(Options{
		App:              testApp(),
		DBPath:           st.Path(),
		HeartbeatQuantum: testQuantum,
		Clock:            clock.NewManual(testNow),
		Store:            st,
		Policies:         provider,
		Logger:           discardLogger(),
	})
	require.NoError(t, st.Open(context.Background()))
	s.current.Store(policies[0])

	ctx := context.Background()
	done := make(chan struct{})
	var (
		wg    sync.WaitGroup
		reads atomic.Int64
	)
	errs := make(chan error, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				pol := s.CurrentPolicy()
				if pol == nil || tokens[pol.ID()] != pol.Token() {
					errs <- fmt.Errorf("torn policy read: %v", pol)
					return
				}
				if status := s.evaluate(ctx, pol); status != domain.StatusOk {
					errs <- fmt.Errorf("unexpected status %s for %s", status, pol.ID())
					return
				}
				if err := s.MarkFeature(ctx, "render", nil); err != nil {
					errs <- err
					return
				}
				reads.Add(1)
			}
		}()
	}

	waitForReads := func(target int64) {
		deadline := time.Now().Add(5 * time.Second)
		for reads.Load() < target {
			if time.Now().After(deadline) {
				close(done)
				wg.Wait()
				t.Fatalf("readers stalled at %d reads", reads.Load())
			}
			runtime.Gosched()
		}
	}

	// each reader holds at most one stale policy, so 2*readers reads include
	// at least readers that observed the latest swap
	for i := 1; i <= swaps; i++ {
		waitForReads(reads.Load() + 2*readers)
		s.refreshPolicy(ctx)
		require.Equal(t, policies[i%len(policies)].ID(), s.CurrentPolicy().ID())
	}
	waitForReads(reads.Load() + readers)
	close(done)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	provider.AssertExpectations(t)

	recs, err := st.FeatureRecords(ctx)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, r := range recs {
		assert.Contains(t, tokens, r.Identity.PolicyID)
		seen[r.Identity.PolicyID] = true
	}
	assert.Len(t, seen, len(policies))
}
